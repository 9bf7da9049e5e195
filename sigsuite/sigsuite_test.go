package sigsuite

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"
)

func TestNoneAcceptsAnything(t *testing.T) {
	var hash [32]byte
	ok, err := None{}.Verify(hash, nil, nil)
	if err != nil || !ok {
		t.Fatalf("None.Verify: ok=%v err=%v, want true/nil", ok, err)
	}
}

func TestED25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hash := sha256.Sum256([]byte("firmware v3"))
	sig := ed25519.Sign(priv, hash[:])

	suite := ED25519{}
	ok, err := suite.Verify(hash, pub, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("genuine ed25519 signature was rejected")
	}
	if suite.Name() != "ed25519" {
		t.Errorf("Name: got %q", suite.Name())
	}
}

func TestED25519RejectsTamperedSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	hash := sha256.Sum256([]byte("firmware v3"))
	sig := ed25519.Sign(priv, hash[:])
	sig[0] ^= 0xFF

	ok, err := ED25519{}.Verify(hash, pub, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("tampered ed25519 signature was accepted")
	}
}

func TestED25519RejectsMalformedKey(t *testing.T) {
	hash := sha256.Sum256([]byte("x"))
	_, err := ED25519{}.Verify(hash, []byte{0x01, 0x02}, []byte{0x01})
	if err == nil {
		t.Fatal("expected error for undersized ed25519 pubkey")
	}
}

func TestECDSAP256RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hash := sha256.Sum256([]byte("firmware v4"))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, hash[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)

	suite := ECDSAP256{}
	ok, err := suite.Verify(hash, pubBytes, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("genuine ecdsa signature was rejected")
	}
}

func TestECDSAP256RejectsWrongKey(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	hash := sha256.Sum256([]byte("firmware v5"))
	sig, _ := ecdsa.SignASN1(rand.Reader, priv, hash[:])
	pubBytes := elliptic.Marshal(elliptic.P256(), other.X, other.Y)

	ok, err := ECDSAP256{}.Verify(hash, pubBytes, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("signature verified against the wrong public key")
	}
}

func TestECDSAP256RejectsMalformedKey(t *testing.T) {
	hash := sha256.Sum256([]byte("x"))
	_, err := ECDSAP256{}.Verify(hash, []byte{0x00, 0x01}, []byte{0x01})
	if err == nil {
		t.Fatal("expected error for malformed SEC1 point")
	}
}

func TestRSARoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hash := sha256.Sum256([]byte("firmware v6"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hash[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	suite := RSA{}
	ok, err := suite.Verify(hash, der, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("genuine rsa signature was rejected")
	}
}

func TestRSARejectsTamperedSignature(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	hash := sha256.Sum256([]byte("firmware v7"))
	sig, _ := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hash[:])
	sig[len(sig)-1] ^= 0xFF
	der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)

	ok, err := RSA{}.Verify(hash, der, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("tampered rsa signature was accepted")
	}
}

func TestRSARejectsNonRSAKey(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	hash := sha256.Sum256([]byte("x"))

	_, err := RSA{}.Verify(hash, der, []byte{0x01})
	if err == nil {
		t.Fatal("expected error when pubkey is not an RSA key")
	}
}
