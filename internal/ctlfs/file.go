package ctlfs

import (
	"strconv"
	"strings"
)

// ReadFunc backs a file's read side; nil means the file is write-only.
type ReadFunc func() (string, error)

// WriteFunc backs a file's write side; nil means the file is read-only.
type WriteFunc func(string) error

// File is the leaf entry type that exports an object's read/write methods,
// grounded on tcmi_ctlfs_file.c's object_method read_method/write_method
// pair. Where the original specializes into int/string/raw file
// constructors with ascii conversion handled internally (reusing procfs's
// proc_dointvec/proc_dostring), File itself is string-based and NewIntFile
// layers integer parsing on top — the same division of labor, collapsed
// onto Go's string/error idiom instead of sysctl's ctl_table.
type File struct {
	name   string
	parent Entry

	read  ReadFunc
	write WriteFunc
}

// NewFile creates a file under parent with the given read/write methods;
// either may be nil to make the file one-directional.
func NewFile(parent *Dir, name string, read ReadFunc, write WriteFunc) *File {
	f := &File{name: name, parent: parent, read: read, write: write}
	if parent != nil {
		parent.Add(f)
	}
	return f
}

func (f *File) Name() string  { return f.name }
func (f *File) Kind() Kind    { return KindFile }
func (f *File) Parent() Entry { return f.parent }

// Read invokes the registered read method.
func (f *File) Read() (string, error) {
	if f.read == nil {
		return "", errNotReadable(f.name)
	}
	return f.read()
}

// Write invokes the registered write method.
func (f *File) Write(data string) error {
	if f.write == nil {
		return errNotWritable(f.name)
	}
	return f.write(data)
}

// NewIntFile creates a file whose ascii conversion to/from int is handled
// here, mirroring tcmi_ctlfs_intfile_new's use of proc_dointvec.
func NewIntFile(parent *Dir, name string, read func() (int, error), write func(int) error) *File {
	var rf ReadFunc
	if read != nil {
		rf = func() (string, error) {
			v, err := read()
			if err != nil {
				return "", err
			}
			return strconv.Itoa(v), nil
		}
	}
	var wf WriteFunc
	if write != nil {
		wf = func(s string) error {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return err
			}
			return write(v)
		}
	}
	return NewFile(parent, name, rf, wf)
}
