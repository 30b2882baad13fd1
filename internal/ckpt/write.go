package ckpt

import (
	"io"

	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/fdcache"
)

// PageSize is the page alignment used for heavy-VMA payloads. It is a
// fixed constant, not derived from the header's architecture tag.
const PageSize = 4096

// RawFileKind is the full set of file types a live process may have open,
// including the ones checkpointing must reject (§3).
type RawFileKind int

const (
	RawRegular RawFileKind = iota
	RawDirectory
	RawChar
	RawFIFO
	RawSocket
	RawBlockDevice
	RawSymlink
)

func (k RawFileKind) supported() bool {
	switch k {
	case RawRegular, RawDirectory, RawChar, RawFIFO:
		return true
	default:
		return false
	}
}

func (k RawFileKind) wire() OpenFileKind {
	switch k {
	case RawDirectory:
		return FileDirectory
	case RawChar:
		return FileChar
	case RawFIFO:
		return FileFIFO
	default:
		return FileRegular
	}
}

// SourceFile is one open file descriptor as observed on the live process,
// prior to fdcache deduplication.
type SourceFile struct {
	FD        int
	Identity  fdcache.Identity
	Pos       int64
	OpenFlags int
	Mode      uint32
	Kind      RawFileKind
	Path      string
}

// SourceVma is one VMA as observed on the live process. HeavyPages holds
// the page contents supplied by the caller; Write only reads it, when the
// region is serialized heavy. A nil entry at index i (or an index past the
// end of the slice) means page i is an untouched hole.
type SourceVma struct {
	Start, End uint64
	Flags      uint64
	PgOff      uint64
	HasFile    bool
	Path       string
	HeavyPages [][]byte
}

// Source is everything Write needs to serialize one live process. It is
// the pre-dedup, pre-validation counterpart to Image.
type Source struct {
	Arch        string
	Is32Bit     bool
	CommandName string
	RLimits     []RLimit
	Files       []SourceFile
	Mem         MemoryDescriptor
	VMAs        []SourceVma
	Registers   Registers
	TLS         ThreadLocalState
	Cwd         string
	Signals     SignalState
	NPM         *NpmParams
}

// Write serializes src to w per spec.md §4.1's write protocol. It
// validates file kinds and VMA geometry before emitting any bytes: a
// rejected source produces no partial output.
func Write(w io.Writer, mode Mode, src *Source) error {
	// Step 1: count and validate. Non-supported file kinds fail before
	// any output is written.
	for _, f := range src.Files {
		if !f.Kind.supported() {
			return clonerr.New(clonerr.UnsupportedCheckpointEntity, "open fd %d has unsupported file kind", f.FD)
		}
	}

	vmaCount := 0
	if mode.isPPM() {
		for _, v := range src.VMAs {
			if v.Flags&(VMIO|VMShared|VMReserved) != 0 {
				return clonerr.New(clonerr.UnsupportedCheckpointEntity, "vma [%#x,%#x) has non-checkpointable flags", v.Start, v.End)
			}
			if v.End <= v.Start || (v.End-v.Start)%PageSize != 0 {
				return clonerr.New(clonerr.InvalidMessage, "vma [%#x,%#x) is not a positive page-aligned size", v.Start, v.End)
			}
			vmaCount++
		}
	}
	if mode.isNPM() && src.NPM == nil {
		return clonerr.New(clonerr.InvalidMessage, "NPM mode requires NpmParams")
	}

	// Step 2: header.
	hdr := Header{
		Magic:       Magic,
		VMACount:    uint32(vmaCount),
		FileCount:   uint32(len(src.Files)),
		Arch:        src.Arch,
		Is32Bit:     src.Is32Bit,
		IsNPM:       mode.isNPM(),
		CommandName: src.CommandName,
	}
	if err := writeHeader(w, &hdr); err != nil {
		return err
	}

	// Step 3: rlimits.
	if err := writeU32(w, uint32(len(src.RLimits))); err != nil {
		return err
	}
	for _, rl := range src.RLimits {
		if err := writeRLimit(w, rl); err != nil {
			return err
		}
	}

	// Step 4: open files, deduped through fdcache.
	cache := fdcache.New(len(src.Files))
	for _, f := range src.Files {
		if fd, ok := cache.Lookup(f.Identity); ok {
			if err := writeOpenFile(w, OpenFileRecord{Dup: &DupFile{FD: f.FD, DupFD: fd}}); err != nil {
				return err
			}
			continue
		}
		cache.Insert(f.Identity, f.FD)
		rec := OpenFileRecord{New: &NewFile{
			FD:        f.FD,
			Pos:       f.Pos,
			OpenFlags: f.OpenFlags,
			Mode:      f.Mode,
			Kind:      f.Kind.wire(),
			Path:      f.Path,
		}}
		if err := writeOpenFile(w, rec); err != nil {
			return err
		}
	}

	// Step 5: memory descriptor.
	if err := writeMemoryDescriptor(w, src.Mem); err != nil {
		return err
	}

	// Step 6: VMAs (PPM only).
	if mode.isPPM() {
		for _, v := range src.VMAs {
			rec := resolveVmaKind(v, mode)
			if err := writeVma(w, rec); err != nil {
				return err
			}
		}
	}

	// Step 7: registers.
	if err := writeBytesBlock(w, src.Registers.Arch, src.Registers.Raw); err != nil {
		return err
	}

	// Step 8: TLS.
	if err := writeBytes(w, src.TLS.Raw); err != nil {
		return err
	}

	// Step 9: cwd.
	if err := writeString(w, src.Cwd); err != nil {
		return err
	}

	// Step 10: signals.
	if err := writeSignalState(w, src.Signals); err != nil {
		return err
	}

	// Step 11: NPM params, if applicable.
	if mode.isNPM() {
		if err := writeNpmParams(w, src.NPM); err != nil {
			return err
		}
	}

	return nil
}

// resolveVmaKind applies the exact TCMI light/heavy predicate: light only
// when the region is both non-writable and file-backed; everything else
// (including ModePPMLight's "light" name — it still falls back to heavy
// for ineligible regions) is heavy.
func resolveVmaKind(v SourceVma, mode Mode) VmaRecord {
	rec := VmaRecord{
		Start:   v.Start,
		End:     v.End,
		Flags:   v.Flags,
		PgOff:   v.PgOff,
		Path:    v.Path,
		HasFile: v.HasFile,
	}
	if rec.preferLight() {
		rec.Kind = VmaLight
		return rec
	}
	rec.Kind = VmaHeavy
	rec.Payload = nil
	rec.HasFile = v.HasFile
	rec.pages = v.HeavyPages
	return rec
}

func writeHeader(w io.Writer, h *Header) error {
	if err := writeU32(w, h.Magic); err != nil {
		return err
	}
	if err := writeU32(w, h.VMACount); err != nil {
		return err
	}
	if err := writeU32(w, h.FileCount); err != nil {
		return err
	}
	if err := writeString(w, h.Arch); err != nil {
		return err
	}
	if err := writeBool(w, h.Is32Bit); err != nil {
		return err
	}
	if err := writeBool(w, h.IsNPM); err != nil {
		return err
	}
	return writeString(w, h.CommandName)
}

func writeRLimit(w io.Writer, rl RLimit) error {
	if err := writeU32(w, uint32(rl.Resource)); err != nil {
		return err
	}
	if err := writeU64(w, rl.Cur); err != nil {
		return err
	}
	return writeU64(w, rl.Max)
}

func writeOpenFile(w io.Writer, rec OpenFileRecord) error {
	if rec.New != nil {
		if err := writeBool(w, true); err != nil {
			return err
		}
		nf := rec.New
		if err := writeU32(w, uint32(nf.FD)); err != nil {
			return err
		}
		if err := writeU64(w, uint64(nf.Pos)); err != nil {
			return err
		}
		if err := writeU32(w, uint32(nf.OpenFlags)); err != nil {
			return err
		}
		if err := writeU32(w, nf.Mode); err != nil {
			return err
		}
		if err := writeU32(w, uint32(nf.Kind)); err != nil {
			return err
		}
		return writeString(w, nf.Path)
	}

	if err := writeBool(w, false); err != nil {
		return err
	}
	if err := writeU32(w, uint32(rec.Dup.FD)); err != nil {
		return err
	}
	return writeU32(w, uint32(rec.Dup.DupFD))
}

func writeMemoryDescriptor(w io.Writer, m MemoryDescriptor) error {
	fields := []uint64{
		m.CodeStart, m.CodeEnd,
		m.DataStart, m.DataEnd,
		m.BrkStart, m.BrkEnd,
		m.StackStart,
		m.ArgStart, m.ArgEnd,
		m.EnvStart, m.EnvEnd,
		m.DefaultFlags,
	}
	for _, f := range fields {
		if err := writeU64(w, f); err != nil {
			return err
		}
	}
	return nil
}

func writeVma(w io.Writer, v VmaRecord) error {
	if err := writeU64(w, v.Start); err != nil {
		return err
	}
	if err := writeU64(w, v.End); err != nil {
		return err
	}
	if err := writeU64(w, v.Flags); err != nil {
		return err
	}
	if err := writeU64(w, v.PgOff); err != nil {
		return err
	}
	if err := writeU32(w, uint32(v.Kind)); err != nil {
		return err
	}

	if v.Kind == VmaLight {
		return writeString(w, v.Path)
	}

	// Heavy: page-aligned payload, vm_end-vm_start bytes total. Holes are
	// skipped (Seek) when w supports it, else zero-filled, so the reader
	// can always just read exactly (end-start) bytes back.
	npages := int((v.End - v.Start) / PageSize)
	for i := 0; i < npages; i++ {
		var page []byte
		if i < len(v.pages) {
			page = v.pages[i]
		}
		if err := writeHeavyPage(w, page); err != nil {
			return err
		}
	}
	return nil
}

func writeHeavyPage(w io.Writer, page []byte) error {
	if page == nil {
		if ws, ok := w.(io.Seeker); ok {
			_, err := ws.Seek(int64(PageSize), io.SeekCurrent)
			return err
		}
		_, err := w.Write(make([]byte, PageSize))
		return err
	}
	if len(page) != PageSize {
		return clonerr.New(clonerr.InvalidMessage, "heavy page is %d bytes, want %d", len(page), PageSize)
	}
	_, err := w.Write(page)
	return err
}

func writeBytesBlock(w io.Writer, tag string, raw []byte) error {
	if err := writeString(w, tag); err != nil {
		return err
	}
	return writeBytes(w, raw)
}

func writeSignalState(w io.Writer, s SignalState) error {
	if err := writeU64(w, s.AltStackPtr); err != nil {
		return err
	}
	if err := writeU64(w, s.AltStackSize); err != nil {
		return err
	}
	if err := writeU64(w, s.Blocked); err != nil {
		return err
	}
	if err := writeU64(w, s.RealBlocked); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(s.Dispositions))); err != nil {
		return err
	}
	for _, d := range s.Dispositions {
		if err := writeU32(w, uint32(d.Signo)); err != nil {
			return err
		}
		if err := writeU64(w, d.Handler); err != nil {
			return err
		}
		if err := writeU64(w, d.Restorer); err != nil {
			return err
		}
		if err := writeU64(w, d.Flags); err != nil {
			return err
		}
		if err := writeU64(w, d.Mask); err != nil {
			return err
		}
	}
	return nil
}

func writeNpmParams(w io.Writer, p *NpmParams) error {
	if err := writeU32(w, uint32(len(p.Argv))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(p.Envp))); err != nil {
		return err
	}
	if err := writeString(w, p.Filename); err != nil {
		return err
	}
	var total []byte
	for _, a := range p.Argv {
		total = append(total, []byte(a)...)
		total = append(total, 0)
	}
	for _, e := range p.Envp {
		total = append(total, []byte(e)...)
		total = append(total, 0)
	}
	return writeBytes(w, total)
}
