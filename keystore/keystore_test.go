package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/wolfboot-go/secureboot/sigsuite"
)

func TestLoadParsesPlaceholderKeystore(t *testing.T) {
	ks, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ks.Suite.Name() != "none" {
		t.Fatalf("default keystore suite: got %q want \"none\"", ks.Suite.Name())
	}
	if len(ks.Keys) != 0 {
		t.Fatalf("default keystore should ship with no keys, got %d", len(ks.Keys))
	}
}

func TestParseComputesHintsFromHexKeys(t *testing.T) {
	rawKey := []byte{0x01, 0x02, 0x03, 0x04}
	text := "ed25519\n" + hex.EncodeToString(rawKey) + "\n"

	ks, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := ks.Suite.(sigsuite.ED25519); !ok {
		t.Fatalf("suite: got %T want sigsuite.ED25519", ks.Suite)
	}
	if len(ks.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(ks.Keys))
	}
	wantHint := sha256.Sum256(rawKey)
	if ks.Keys[0].Hint != wantHint {
		t.Fatalf("hint mismatch: got %x want %x", ks.Keys[0].Hint, wantHint)
	}
}

func TestParseSkipsBlankLinesAndComments(t *testing.T) {
	text := "# production keystore\n\nnone\n\n# no keys yet\n"
	ks, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ks.Keys) != 0 {
		t.Fatalf("expected no keys, got %d", len(ks.Keys))
	}
}

func TestParseRejectsUnknownSuite(t *testing.T) {
	if _, err := Parse("made-up-suite\n"); err == nil {
		t.Fatal("expected error for unknown suite name")
	}
}

func TestParseRejectsEmptyTable(t *testing.T) {
	if _, err := Parse("\n\n"); err == nil {
		t.Fatal("expected error for an empty key table")
	}
}

func TestNoSignAcceptsEverything(t *testing.T) {
	ks := NoSign()
	ok, err := ks.Suite.Verify([32]byte{}, nil, nil)
	if err != nil || !ok {
		t.Fatalf("NoSign suite should accept unconditionally: ok=%v err=%v", ok, err)
	}
}
