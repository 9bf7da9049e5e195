package sigsuite

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
)

// RSA verifies PKCS#1 v1.5 signatures over SHA-256 digests, using a
// DER-encoded PKIX RSA public key.
type RSA struct{}

func (RSA) Name() string { return "rsa-pkcs1v15-sha256" }

func (RSA) Verify(hash [32]byte, pubkey, sig []byte) (bool, error) {
	pub, err := parsePKIXRSA(pubkey)
	if err != nil {
		return false, errUnsupported("rsa", len(pubkey))
	}
	err = rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig)
	if err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func parsePKIXRSA(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errUnsupported("rsa", 0)
	}
	return rsaPub, nil
}
