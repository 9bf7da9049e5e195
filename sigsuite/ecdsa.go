package sigsuite

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"
)

// ECDSAP256 verifies ASN.1 DER-encoded ECDSA signatures over the
// NIST P-256 curve, using an uncompressed SEC1 public key
// (0x04 || X || Y, 65 bytes).
type ECDSAP256 struct{}

func (ECDSAP256) Name() string { return "ecdsa-p256" }

func (ECDSAP256) Verify(hash [32]byte, pubkey, sig []byte) (bool, error) {
	// ecdh.NewPublicKey rejects points not on the curve (including the
	// point at infinity), replacing the validation elliptic.Unmarshal
	// used to do before it was deprecated.
	key, err := ecdh.P256().NewPublicKey(pubkey)
	if err != nil {
		return false, errUnsupported("ecdsa-p256", len(pubkey))
	}
	raw := key.Bytes() // uncompressed SEC1 point: 0x04 || X || Y
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.VerifyASN1(pub, hash[:], sig), nil
}
