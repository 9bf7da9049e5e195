package imgheader

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/wolfboot-go/secureboot/sigsuite"
)

const testHeaderSize = 256

// buildHeader writes a well-formed header into a testHeaderSize buffer.
func buildHeader(t *testing.T, imageSize uint32, hash [32]byte, hint [32]byte, sig []byte, version uint32) []byte {
	t.Helper()
	buf := make([]byte, testHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], imageSize)

	off := 8
	putTLV := func(tag uint16, value []byte) {
		binary.LittleEndian.PutUint16(buf[off:off+2], tag)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(len(value)))
		copy(buf[off+4:off+4+len(value)], value)
		adv := 4 + len(value)
		if pad := adv % 4; pad != 0 {
			adv += 4 - pad
		}
		off += adv
	}

	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], version)
	putTLV(TagVersion, versionBuf[:])

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], 1700000000)
	putTLV(TagTimestamp, tsBuf[:])

	putTLV(TagSHA256, hash[:])

	var typeBuf [2]byte
	binary.LittleEndian.PutUint16(typeBuf[:], 1)
	putTLV(TagImgType, typeBuf[:])

	putTLV(TagPubkeyHint, hint[:])
	putTLV(TagSignature, sig)

	if off > testHeaderSize {
		t.Fatalf("test header overflowed its buffer: used %d of %d", off, testHeaderSize)
	}
	return buf
}

func TestParseWellFormedHeader(t *testing.T) {
	hash := sha256.Sum256([]byte("firmware payload"))
	var hint [32]byte
	sig := []byte{0x01, 0x02, 0x03}
	buf := buildHeader(t, 4096, hash, hint, sig, 7)

	h, err := Parse(buf, testHeaderSize)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.ImageSize != 4096 {
		t.Errorf("ImageSize: got %d want 4096", h.ImageSize)
	}
	if h.Version != 7 {
		t.Errorf("Version: got %d want 7", h.Version)
	}
	if h.SHA256 != hash {
		t.Errorf("SHA256 mismatch")
	}
	if h.ImgType != 1 {
		t.Errorf("ImgType: got %d want 1", h.ImgType)
	}
	if string(h.Signature) != string(sig) {
		t.Errorf("Signature: got %x want %x", h.Signature, sig)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := make([]byte, testHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf[0:4], []byte("NOPE"))

	if _, err := Parse(buf, testHeaderSize); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestParseRejectsTruncatedTLVLength(t *testing.T) {
	hash := sha256.Sum256([]byte("x"))
	var hint [32]byte
	buf := buildHeader(t, 100, hash, hint, []byte{0xAA}, 1)

	// Corrupt the first TLV's length field to claim more than remains.
	binary.LittleEndian.PutUint16(buf[10:12], 0xFFFF)

	_, err := Parse(buf, testHeaderSize)
	if err == nil {
		t.Fatal("expected error for TLV length exceeding header size")
	}
}

func TestParseRejectsDuplicateMandatoryTag(t *testing.T) {
	hash := sha256.Sum256([]byte("x"))
	var hint [32]byte
	buf := buildHeader(t, 100, hash, hint, []byte{0xAA}, 1)

	// Duplicate the VERSION tag right after the first one: retag the
	// TIMESTAMP TLV that follows it (offset 16) as VERSION.
	dup := make([]byte, testHeaderSize)
	copy(dup, buf)
	binary.LittleEndian.PutUint16(dup[16:18], TagVersion)

	if _, err := Parse(dup, testHeaderSize); err == nil {
		t.Fatal("expected error for duplicate VERSION tag")
	}
}

func TestParseSkipsUnknownTags(t *testing.T) {
	hash := sha256.Sum256([]byte("payload"))
	var hint [32]byte
	// Build a header by hand with an unknown TLV ahead of the mandatory
	// ones and confirm it still parses.
	custom := make([]byte, testHeaderSize)
	for i := range custom {
		custom[i] = 0xFF
	}
	copy(custom[0:4], Magic[:])
	binary.LittleEndian.PutUint32(custom[4:8], 100)

	off := 8
	put := func(tag uint16, value []byte) {
		binary.LittleEndian.PutUint16(custom[off:off+2], tag)
		binary.LittleEndian.PutUint16(custom[off+2:off+4], uint16(len(value)))
		copy(custom[off+4:], value)
		adv := 4 + len(value)
		if pad := adv % 4; pad != 0 {
			adv += 4 - pad
		}
		off += adv
	}
	put(0x00FF, []byte{0xDE, 0xAD}) // unknown tag, should be skipped
	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], 2)
	put(TagVersion, versionBuf[:])
	var tsBuf [8]byte
	put(TagTimestamp, tsBuf[:])
	put(TagSHA256, hash[:])
	var typeBuf [2]byte
	put(TagImgType, typeBuf[:])
	put(TagPubkeyHint, hint[:])
	put(TagSignature, []byte{0x01})

	h, err := Parse(custom, testHeaderSize)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Version != 2 {
		t.Errorf("unknown tag confused parsing: Version got %d want 2", h.Version)
	}
}

func TestCheckSize(t *testing.T) {
	if err := CheckSize(1000, 256, 2048); err != nil {
		t.Fatalf("expected size to fit: %v", err)
	}
	if err := CheckSize(1785, 256, 2048); err == nil {
		t.Fatal("expected SIZE_EXCEEDED when image+header leaves no room for the 8-byte trailer reservation")
	}
}

func TestVerifyAcceptsGenuineSignature(t *testing.T) {
	payload := []byte("new firmware bytes")
	hash := sha256.Sum256(payload)
	key := PubKey{Hint: sha256.Sum256([]byte("key-1")), Key: nil}

	h := Header{SHA256: hash, PubkeyHint: key.Hint, Signature: []byte{}}
	if err := Verify(h, hash, []PubKey{key}, sigsuite.None{}); err != nil {
		t.Fatalf("Verify with None suite: %v", err)
	}
}

func TestVerifyRejectsHashMismatch(t *testing.T) {
	hash := sha256.Sum256([]byte("a"))
	other := sha256.Sum256([]byte("b"))
	key := PubKey{Hint: sha256.Sum256([]byte("key-1"))}
	h := Header{SHA256: hash, PubkeyHint: key.Hint}

	err := Verify(h, other, []PubKey{key}, sigsuite.None{})
	if err == nil {
		t.Fatal("expected hash mismatch to be rejected")
	}
}

func TestVerifyRejectsUnknownKeyHint(t *testing.T) {
	payload := []byte("firmware")
	hash := sha256.Sum256(payload)
	h := Header{SHA256: hash, PubkeyHint: sha256.Sum256([]byte("unregistered"))}

	err := Verify(h, hash, []PubKey{{Hint: sha256.Sum256([]byte("key-1"))}}, sigsuite.None{})
	if err == nil {
		t.Fatal("expected KEY_UNKNOWN for unregistered pubkey hint")
	}
}
