package ckpt

import (
	"io"

	"github.com/clondike-go/clondike/internal/clonerr"
)

// Decode parses a checkpoint stream written by Write into an in-memory
// Image, mirroring the write protocol step for step. It performs no OS
// side effects; Restore (restore.go) takes the decoded Image and
// re-hydrates a live process from it.
func Decode(r io.Reader) (*Image, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != Magic {
		return nil, clonerr.New(clonerr.ChecksumOrMagicMismatch, "checkpoint magic %#x, want %#x", hdr.Magic, Magic)
	}

	img := &Image{Header: *hdr}

	nrlimit, err := readU32(r)
	if err != nil {
		return nil, err
	}
	img.RLimits = make([]RLimit, nrlimit)
	for i := range img.RLimits {
		rl, err := readRLimit(r)
		if err != nil {
			return nil, err
		}
		img.RLimits[i] = rl
	}

	img.Files = make([]OpenFileRecord, hdr.FileCount)
	for i := range img.Files {
		rec, err := readOpenFile(r)
		if err != nil {
			return nil, err
		}
		img.Files[i] = rec
	}

	mem, err := readMemoryDescriptor(r)
	if err != nil {
		return nil, err
	}
	img.Mem = mem

	if !hdr.IsNPM {
		img.VMAs = make([]VmaRecord, hdr.VMACount)
		for i := range img.VMAs {
			v, err := readVma(r)
			if err != nil {
				return nil, err
			}
			img.VMAs[i] = v
		}
	}

	regs, err := readRegisters(r)
	if err != nil {
		return nil, err
	}
	img.Registers = regs

	tls, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	img.TLS = ThreadLocalState{Raw: tls}

	cwd, err := readString(r)
	if err != nil {
		return nil, err
	}
	img.Cwd = cwd

	sig, err := readSignalState(r)
	if err != nil {
		return nil, err
	}
	img.Signals = sig

	if hdr.IsNPM {
		npm, err := readNpmParams(r)
		if err != nil {
			return nil, err
		}
		img.NPM = npm
	}

	return img, nil
}

func readHeader(r io.Reader) (*Header, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, err
	}
	vmaCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	fileCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	arch, err := readString(r)
	if err != nil {
		return nil, err
	}
	is32, err := readBool(r)
	if err != nil {
		return nil, err
	}
	isNPM, err := readBool(r)
	if err != nil {
		return nil, err
	}
	cmd, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &Header{
		Magic:       magic,
		VMACount:    vmaCount,
		FileCount:   fileCount,
		Arch:        arch,
		Is32Bit:     is32,
		IsNPM:       isNPM,
		CommandName: cmd,
	}, nil
}

func readRLimit(r io.Reader) (RLimit, error) {
	res, err := readU32(r)
	if err != nil {
		return RLimit{}, err
	}
	cur, err := readU64(r)
	if err != nil {
		return RLimit{}, err
	}
	max, err := readU64(r)
	if err != nil {
		return RLimit{}, err
	}
	return RLimit{Resource: int(res), Cur: cur, Max: max}, nil
}

func readOpenFile(r io.Reader) (OpenFileRecord, error) {
	isNew, err := readBool(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	if !isNew {
		fd, err := readU32(r)
		if err != nil {
			return OpenFileRecord{}, err
		}
		dupFD, err := readU32(r)
		if err != nil {
			return OpenFileRecord{}, err
		}
		return OpenFileRecord{Dup: &DupFile{FD: int(fd), DupFD: int(dupFD)}}, nil
	}

	fd, err := readU32(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	pos, err := readU64(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	flags, err := readU32(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	mode, err := readU32(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	kind, err := readU32(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	path, err := readString(r)
	if err != nil {
		return OpenFileRecord{}, err
	}
	return OpenFileRecord{New: &NewFile{
		FD:        int(fd),
		Pos:       int64(pos),
		OpenFlags: int(flags),
		Mode:      mode,
		Kind:      OpenFileKind(kind),
		Path:      path,
	}}, nil
}

func readMemoryDescriptor(r io.Reader) (MemoryDescriptor, error) {
	vals := make([]uint64, 12)
	for i := range vals {
		v, err := readU64(r)
		if err != nil {
			return MemoryDescriptor{}, err
		}
		vals[i] = v
	}
	return MemoryDescriptor{
		CodeStart: vals[0], CodeEnd: vals[1],
		DataStart: vals[2], DataEnd: vals[3],
		BrkStart: vals[4], BrkEnd: vals[5],
		StackStart: vals[6],
		ArgStart:   vals[7], ArgEnd: vals[8],
		EnvStart: vals[9], EnvEnd: vals[10],
		DefaultFlags: vals[11],
	}, nil
}

func readVma(r io.Reader) (VmaRecord, error) {
	start, err := readU64(r)
	if err != nil {
		return VmaRecord{}, err
	}
	end, err := readU64(r)
	if err != nil {
		return VmaRecord{}, err
	}
	flags, err := readU64(r)
	if err != nil {
		return VmaRecord{}, err
	}
	pgoff, err := readU64(r)
	if err != nil {
		return VmaRecord{}, err
	}
	kind, err := readU32(r)
	if err != nil {
		return VmaRecord{}, err
	}

	v := VmaRecord{Start: start, End: end, Flags: flags, PgOff: pgoff, Kind: VmaKind(kind)}

	if v.Kind == VmaLight {
		path, err := readString(r)
		if err != nil {
			return VmaRecord{}, err
		}
		v.Path = path
		v.HasFile = true
		return v, nil
	}

	if end <= start || (end-start)%PageSize != 0 {
		return VmaRecord{}, clonerr.New(clonerr.InvalidMessage, "heavy vma [%#x,%#x) is not page-aligned", start, end)
	}
	payload := make([]byte, end-start)
	if _, err := io.ReadFull(r, payload); err != nil {
		return VmaRecord{}, err
	}
	v.Payload = payload
	return v, nil
}

func readRegisters(r io.Reader) (Registers, error) {
	arch, err := readString(r)
	if err != nil {
		return Registers{}, err
	}
	raw, err := readBytes(r)
	if err != nil {
		return Registers{}, err
	}
	return Registers{Arch: arch, Raw: raw}, nil
}

func readSignalState(r io.Reader) (SignalState, error) {
	altPtr, err := readU64(r)
	if err != nil {
		return SignalState{}, err
	}
	altSize, err := readU64(r)
	if err != nil {
		return SignalState{}, err
	}
	blocked, err := readU64(r)
	if err != nil {
		return SignalState{}, err
	}
	realBlocked, err := readU64(r)
	if err != nil {
		return SignalState{}, err
	}
	n, err := readU32(r)
	if err != nil {
		return SignalState{}, err
	}
	dispositions := make([]SignalDisposition, n)
	for i := range dispositions {
		signo, err := readU32(r)
		if err != nil {
			return SignalState{}, err
		}
		handler, err := readU64(r)
		if err != nil {
			return SignalState{}, err
		}
		restorer, err := readU64(r)
		if err != nil {
			return SignalState{}, err
		}
		flags, err := readU64(r)
		if err != nil {
			return SignalState{}, err
		}
		mask, err := readU64(r)
		if err != nil {
			return SignalState{}, err
		}
		dispositions[i] = SignalDisposition{
			Signo: int(signo), Handler: handler, Restorer: restorer, Flags: flags, Mask: mask,
		}
	}
	return SignalState{
		AltStackPtr: altPtr, AltStackSize: altSize,
		Blocked: blocked, RealBlocked: realBlocked,
		Dispositions: dispositions,
	}, nil
}

func readNpmParams(r io.Reader) (*NpmParams, error) {
	argc, err := readU32(r)
	if err != nil {
		return nil, err
	}
	envc, err := readU32(r)
	if err != nil {
		return nil, err
	}
	filename, err := readString(r)
	if err != nil {
		return nil, err
	}
	data, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	fields := splitNulTerminated(data, int(argc)+int(envc))
	if len(fields) != int(argc)+int(envc) {
		return nil, clonerr.New(clonerr.InvalidMessage, "npm params: expected %d packed fields, got %d", argc+envc, len(fields))
	}
	return &NpmParams{
		Filename: filename,
		Argv:     fields[:argc],
		Envp:     fields[argc:],
	}, nil
}

func splitNulTerminated(data []byte, want int) []string {
	out := make([]string, 0, want)
	start := 0
	for i, b := range data {
		if b == 0 {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	return out
}
