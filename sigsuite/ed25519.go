package sigsuite

import "crypto/ed25519"

// ED25519 verifies signatures using the standard library's Ed25519
// implementation. This is the suite wolfBoot itself defaults new
// targets to.
type ED25519 struct{}

func (ED25519) Name() string { return "ed25519" }

func (ED25519) Verify(hash [32]byte, pubkey, sig []byte) (bool, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return false, errUnsupported("ed25519", len(pubkey))
	}
	// Ed25519 signs the message directly rather than a digest; the
	// image hash itself is the "message" being authenticated here,
	// matching wolfBoot's ed25519_verify(hash, ...) contract.
	return ed25519.Verify(ed25519.PublicKey(pubkey), hash[:], sig), nil
}
