// Package appversion provides build-time version information for loom.
package appversion

// version and commit are set at build time:
//
//	go build -ldflags "-X loom/internal/appversion.version=v0.3.0 -X loom/internal/appversion.commit=abc1234"
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the version, with the short commit appended when known.
func String() string {
	if commit == "" {
		return version
	}
	return version + " (" + commit + ")"
}

// Version returns the bare version without commit information.
func Version() string { return version }
