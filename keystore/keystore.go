// Package keystore supplies the bootloader's compiled-in public key
// table and the signature suite it is verified under — the Go
// counterpart of wolfBoot's keystore_stub.c: a placeholder key array
// generated before the real signing keys exist, plus a
// WOLFBOOT_NO_SIGN-equivalent escape hatch for host/CI builds.
package keystore

import (
	_ "embed"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wolfboot-go/secureboot/imgheader"
	"github.com/wolfboot-go/secureboot/sigsuite"
)

//go:embed keys.text
var embeddedKeys string

// Keystore pairs the authorised public keys built into this binary
// with the suite they must verify under.
type Keystore struct {
	Suite sigsuite.Suite
	Keys  []imgheader.PubKey
}

// Load parses the key table embedded in this binary.
//
// Deprecated: keys.text in this repository is the placeholder
// keystore_stub.c ships before real keys exist — "none", signing
// nothing. Generate real keys and replace keys.text before shipping a
// production image; see credentials.go for the same pattern applied to
// network secrets.
func Load() (Keystore, error) {
	return Parse(embeddedKeys)
}

// Parse decodes a keystore from text: a first non-comment line naming
// the signature suite ("none", "ed25519", "ecdsa-p256", or
// "rsa-pkcs1v15-sha256"), followed by zero or more hex-encoded raw
// public keys, one per line. Lines starting with '#' and blank lines
// are ignored.
func Parse(text string) (Keystore, error) {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return Keystore{}, fmt.Errorf("keystore: empty key table")
	}

	suite, err := suiteByName(lines[0])
	if err != nil {
		return Keystore{}, err
	}

	var keys []imgheader.PubKey
	for _, line := range lines[1:] {
		raw, err := hex.DecodeString(line)
		if err != nil {
			return Keystore{}, fmt.Errorf("keystore: decode key %q: %w", line, err)
		}
		keys = append(keys, imgheader.PubKey{Hint: sha256.Sum256(raw), Key: raw})
	}
	return Keystore{Suite: suite, Keys: keys}, nil
}

func suiteByName(name string) (sigsuite.Suite, error) {
	switch name {
	case "none":
		return sigsuite.None{}, nil
	case "ed25519":
		return sigsuite.ED25519{}, nil
	case "ecdsa-p256":
		return sigsuite.ECDSAP256{}, nil
	case "rsa-pkcs1v15-sha256":
		return sigsuite.RSA{}, nil
	default:
		return nil, fmt.Errorf("keystore: unknown signature suite %q", name)
	}
}

// NoSign returns a keystore that accepts any image regardless of
// signature. Intended for simulator and CI builds only — never link
// this into a production leaf.
func NoSign() Keystore {
	return Keystore{Suite: sigsuite.None{}}
}
