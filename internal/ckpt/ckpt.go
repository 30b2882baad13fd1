// Package ckpt implements the checkpoint engine: a bit-exact serializer
// and restorer for a live process image — header, rlimits, open files
// (deduplicated through fdcache), virtual-memory areas, registers,
// thread-local state, working directory, signal state, and (for
// non-preemptive migration) exec parameters.
//
// There is no teacher analog for this component — minimega has nothing
// that serializes a live process — so its shape follows the original
// Clondike TCMI checkpoint sources (tcmi_ckpt_*.c) directly, expressed in
// the idiom the rest of this module uses for binary records (explicit
// length-prefixed blocks, one writer/reader pair per record kind).
package ckpt

// Magic is the fixed header value every checkpoint stream begins with.
const Magic uint32 = 0xDEADBEEF

// Mode selects which checkpoint variant Write produces.
type Mode int

const (
	// ModePPMHeavy writes a PPM checkpoint: file-backed read-only VMAs
	// as light references, every other eligible VMA heavy.
	ModePPMHeavy Mode = iota
	// ModePPMLight writes a PPM checkpoint with the same light/heavy
	// choice per VMA as ModePPMHeavy; Write treats the two alike.
	ModePPMLight
	// ModeNPM transfers only exec parameters, not VMAs.
	ModeNPM
)

func (m Mode) String() string {
	switch m {
	case ModePPMHeavy:
		return "ppm-heavy"
	case ModePPMLight:
		return "ppm-light"
	case ModeNPM:
		return "npm"
	default:
		return "unknown"
	}
}

func (m Mode) isPPM() bool { return m == ModePPMHeavy || m == ModePPMLight }
func (m Mode) isNPM() bool { return m == ModeNPM }

// Header is the fixed-format first block of every checkpoint stream.
type Header struct {
	Magic        uint32
	VMACount     uint32
	FileCount    uint32
	Arch         string
	Is32Bit      bool
	IsNPM        bool
	CommandName  string
}

// RLimit mirrors one POSIX resource limit pair.
type RLimit struct {
	Resource int
	Cur      uint64
	Max      uint64
}

// OpenFileKind distinguishes the serializable file types. Sockets, block
// devices, and symlinks are rejected at checkpoint-count time (§3).
type OpenFileKind int

const (
	FileRegular OpenFileKind = iota
	FileDirectory
	FileChar
	FileFIFO
)

// OpenFileRecord is the tagged New/Dup variant from spec.md §3. Exactly
// one of New or Dup is non-nil.
type OpenFileRecord struct {
	New *NewFile
	Dup *DupFile
}

type NewFile struct {
	FD        int
	Pos       int64
	OpenFlags int
	Mode      uint32
	Kind      OpenFileKind
	Path      string
}

type DupFile struct {
	FD    int
	DupFD int
}

// MemoryDescriptor records the bounding addresses of a process's standard
// memory regions.
type MemoryDescriptor struct {
	CodeStart, CodeEnd     uint64
	DataStart, DataEnd     uint64
	BrkStart, BrkEnd       uint64
	StackStart             uint64
	ArgStart, ArgEnd       uint64
	EnvStart, EnvEnd       uint64
	DefaultFlags           uint64
}

// VmaKind distinguishes the two VMA serialization strategies.
type VmaKind int

const (
	VmaLight VmaKind = iota
	VmaHeavy
)

// VMA flag bits relevant to checkpoint eligibility and restore strategy.
// These mirror the subset of Linux's vm_flags the original source reads.
const (
	VMWrite     uint64 = 1 << 1
	VMIO        uint64 = 1 << 14
	VMShared    uint64 = 1 << 3
	VMReserved  uint64 = 1 << 15
	VMGrowsDown uint64 = 1 << 8
)

// VmaRecord is one VMA's checkpoint record. For VmaLight, Path holds the
// backing file's path and Payload is nil. For VmaHeavy, Payload holds the
// raw region contents (may contain explicit zero "holes" for untouched
// pages, per spec.md §3/§4.1).
type VmaRecord struct {
	Start, End uint64
	Flags      uint64
	PgOff      uint64
	Kind       VmaKind
	Path       string
	Payload    []byte
	HasFile    bool

	// pages holds the write-side per-page source for a heavy VMA, one
	// entry per page in [Start,End); a nil entry is an untouched hole.
	// Not populated on the read side — Payload there holds the full
	// materialized contents instead.
	pages [][]byte
}

// eligible reports whether v can be checkpointed at all (§3: I/O-mapped,
// shared-memory, or reserved regions reject checkpointing).
func (v *VmaRecord) eligible() bool {
	return v.Flags&(VMIO|VMShared|VMReserved) == 0
}

// preferLight is the exact TCMI predicate (tcmi_ckpt_vm_area.c): light
// only when the region is both non-writable AND file-backed.
func (v *VmaRecord) preferLight() bool {
	return v.Flags&VMWrite == 0 && v.HasFile
}

func (v *VmaRecord) growsDown() bool {
	return v.Flags&VMGrowsDown != 0
}

// Registers is the architecture-specific register file, carried
// length-prefixed so a restorer can accept equal-architecture payloads
// and reject mismatches explicitly rather than misinterpreting bytes.
type Registers struct {
	Arch string
	Raw  []byte
}

// ThreadLocalState is an opaque, length-prefixed architecture-specific
// TLS block (e.g. an x86 GDT entry, ARM TPIDRURO).
type ThreadLocalState struct {
	Raw []byte
}

// SignalDisposition is one entry of a process's sigaction table.
type SignalDisposition struct {
	Signo    int
	Handler  uint64
	Restorer uint64
	Flags    uint64
	Mask     uint64
}

// SignalState captures alternate-stack configuration, blocked masks, and
// per-signal dispositions.
type SignalState struct {
	AltStackPtr  uint64
	AltStackSize uint64
	Blocked      uint64
	RealBlocked  uint64
	Dispositions []SignalDisposition
}

// NpmParams carries the exec arguments for non-preemptive migration: the
// restorer re-execs rather than replaying VMAs.
type NpmParams struct {
	Filename string
	Argv     []string
	Envp     []string
}

// Image is the full in-memory decoded checkpoint: every block from
// spec.md §3 in order. Write serializes a Source into this layout and
// Decode reads it back into an Image; Snapshotter.Snapshot (in
// snapshot_linux.go) builds a Source from a live process, and Restore (in
// restore.go) replays an Image into the calling process.
type Image struct {
	Header    Header
	RLimits   []RLimit
	Files     []OpenFileRecord
	Mem       MemoryDescriptor
	VMAs      []VmaRecord
	Registers Registers
	TLS       ThreadLocalState
	Cwd       string
	Signals   SignalState
	NPM       *NpmParams
}
