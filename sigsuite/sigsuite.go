// Package sigsuite provides the pluggable signature verification
// backends referenced by §4.4: "the concrete signature suite
// (ECDSA-P256 / ED25519 / RSA / none) is a compile-time configuration;
// the state machine treats verify as a pure predicate over the header
// and the payload hash." Each backend is selected by the caller at
// construction time (e.g. in keystore), which is Go's idiomatic
// equivalent of the C bootloader's #ifdef-selected signer.
package sigsuite

import "fmt"

// Suite authenticates a SHA-256 image hash against a signature, using
// a specific public key. Implementations must be pure: no I/O, no
// mutation, safe to call from within the boot state machine.
type Suite interface {
	// Verify reports whether sig is a valid signature of hash under
	// pubkey. A malformed pubkey or signature is reported through err,
	// not by returning false silently, so callers can distinguish
	// KEY_UNKNOWN-shaped failures from a genuine bad signature.
	Verify(hash [32]byte, pubkey, sig []byte) (bool, error)

	// Name identifies the suite, used in logs and error messages.
	Name() string
}

// None is the no-signature suite used by host tests and by
// WOLFBOOT_NO_SIGN-equivalent builds (keystore.NoSign): every image is
// accepted. It must never be the suite compiled into a production
// leaf; keystore refuses to construct one without an explicit opt-in.
type None struct{}

func (None) Verify(hash [32]byte, pubkey, sig []byte) (bool, error) { return true, nil }
func (None) Name() string                                           { return "none" }

// errUnsupported is returned by a backend given a key of the wrong
// shape for its algorithm — this is a KEY_UNKNOWN condition, not
// SIG_BAD, because the suite can't even attempt verification.
func errUnsupported(suite string, got int) error {
	return fmt.Errorf("sigsuite: %s: unexpected public key length %d", suite, got)
}
