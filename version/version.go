// Package version carries the firmware build identity stamped into every
// OTLP resource attribute and printed on the serial console at boot, so a
// collector or a bench engineer can tell which bootloader image is running
// without cracking the flash.
package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker is a hardcoded sentinel baked into the binary, independent of
// the ldflags above, so a read of raw flash that never went through the
// linker (e.g. a JTAG dump) can still be matched back to this source tree.
const BuildMarker = "secureboot-build-031"

// String formats the build identity for a one-line boot banner:
// "v1.2.3 (a1b2c3d, build-2026-03-01)".
func String() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return Version + " (" + sha + ", " + BuildDate + ")"
}
