package imgheader

import (
	"fmt"

	"github.com/wolfboot-go/secureboot/sigsuite"
)

// PubKey is one authorised signing key: its raw encoding (suite
// specific — SEC1 point, Ed25519 raw key, or PKIX DER, depending on
// which sigsuite.Suite is compiled in) and the SHA-256 hash of that
// encoding, which the header's PUBKEY_HINT tag must match.
type PubKey struct {
	Hint [32]byte
	Key  []byte
}

// Verify is the pure predicate of §4.4: Ok, or one of SIG_BAD /
// KEY_UNKNOWN / HEADER_MALFORMED. It never touches flash; the state
// machine decides what to do with the partition afterwards.
//
// payloadHash is the SHA-256 of the image bytes the header claims to
// cover; callers compute it by hashing the partition's payload region
// (this package never reads flash directly — see §9 Design Notes).
func Verify(h Header, payloadHash [32]byte, keys []PubKey, suite sigsuite.Suite) error {
	if h.SHA256 != payloadHash {
		return fmt.Errorf("imgheader: payload hash mismatch: %w", ErrSigBad)
	}

	var match *PubKey
	for i := range keys {
		if keys[i].Hint == h.PubkeyHint {
			match = &keys[i]
			break
		}
	}
	if match == nil {
		return fmt.Errorf("imgheader: no key matches pubkey hint: %w", ErrKeyUnknown)
	}

	ok, err := suite.Verify(h.SHA256, match.Key, h.Signature)
	if err != nil {
		return fmt.Errorf("imgheader: %s verify: %v: %w", suite.Name(), err, ErrKeyUnknown)
	}
	if !ok {
		return fmt.Errorf("imgheader: %s signature rejected: %w", suite.Name(), ErrSigBad)
	}
	return nil
}
