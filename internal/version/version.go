// Package version holds build-time identifying information, set via
// -ldflags at build time. The control-connection handshake does not carry
// it.
package version

var (
	// Revision is the VCS revision this binary was built from.
	Revision = "HEAD"

	// Date is the build timestamp.
	Date = "unknown"
)
