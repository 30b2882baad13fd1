package ctlfs

import "fmt"

func errNotReadable(name string) error {
	return fmt.Errorf("ctlfs: %s is write-only", name)
}

func errNotWritable(name string) error {
	return fmt.Errorf("ctlfs: %s is read-only", name)
}
