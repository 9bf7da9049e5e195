// Package trailer implements the partition trailer codec (C2):
// encoding and decoding of the magic word, partition state byte, and
// packed per-sector flag nibbles that live in the last bytes of every
// trailer-bearing partition's two alternating trailer sectors.
//
// The wire layout is bit-exact with spec §6 "Partition trailer":
// counted from the end of the sector at offset S,
//
//	S-4 : magic word (4B)      "BOOT" or 0xFFFFFFFF
//	S-5 : partition state (1B) 0xFF NEW, 0x70 UPDATING, 0x10 TESTING, 0x00 SUCCESS
//	S-8 : reserved (3B)        0xFF
//	S-9 : sector flags, packed two per byte, growing toward lower addresses
package trailer

import (
	"bytes"
	"fmt"

	"github.com/wolfboot-go/secureboot/hal"
)

// State is the partition state byte. Values are chosen so the DAG
// NEW -> UPDATING -> TESTING -> {SUCCESS, rollback->UPDATING} only ever
// needs bit clears when written within an already-erased bank.
type State byte

const (
	StateNew      State = 0xFF
	StateUpdating State = 0x70
	StateTesting  State = 0x10
	StateSuccess  State = 0x00
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateUpdating:
		return "UPDATING"
	case StateTesting:
		return "TESTING"
	case StateSuccess:
		return "SUCCESS"
	default:
		return fmt.Sprintf("State(%#02x)", byte(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateUpdating, StateTesting, StateSuccess:
		return true
	default:
		return false
	}
}

// progression orders states for the "fresher" tie-break of §4.3 rule 2:
// NEW < UPDATING < TESTING < SUCCESS.
func (s State) progression() int {
	switch s {
	case StateNew:
		return 0
	case StateUpdating:
		return 1
	case StateTesting:
		return 2
	case StateSuccess:
		return 3
	default:
		return -1
	}
}

// SectorFlag is a per-sector nibble tracking swap progress (§4.5).
type SectorFlag byte

const (
	FlagNew      SectorFlag = 0xF
	FlagUpdated  SectorFlag = 0xE
	FlagSwapping SectorFlag = 0x7
	FlagBackup   SectorFlag = 0x3
)

func (f SectorFlag) String() string {
	switch f {
	case FlagNew:
		return "NEW"
	case FlagUpdated:
		return "UPDATED"
	case FlagSwapping:
		return "SWAPPING"
	case FlagBackup:
		return "BACKUP"
	default:
		return fmt.Sprintf("SectorFlag(%#x)", byte(f))
	}
}

// progression gives each flag value a strictly-more-advanced rank,
// used only to compare "which bank progressed further" (§4.3 rule 2);
// it is unrelated to the physical bit pattern.
func (f SectorFlag) progression() int {
	switch f {
	case FlagNew:
		return 0
	case FlagSwapping:
		return 1
	case FlagUpdated:
		return 2
	case FlagBackup:
		return 3
	default:
		return -1
	}
}

// Magic is the 4-byte word that, when present, certifies the whole
// trailer sector was committed (invariant 2).
var Magic = [4]byte{'B', 'O', 'O', 'T'}

// Status classifies what Read found at a trailer sector.
type Status int

const (
	// Blank means the magic word reads all-ones: the sector has been
	// erased and never written since.
	Blank Status = iota
	// Valid means the magic word is "BOOT" and the state byte is one
	// of the four defined values.
	Valid
	// Corrupt means the magic is neither "BOOT" nor all-ones, or the
	// state byte is not one of the four defined values — a partial or
	// torn write that a power loss left behind.
	Corrupt
)

func (s Status) String() string {
	switch s {
	case Blank:
		return "Blank"
	case Valid:
		return "Valid"
	case Corrupt:
		return "Corrupt"
	default:
		return "Unknown"
	}
}

// Trailer is the decoded content of one trailer sector: the partition
// state and the per-sector flag array, indexed by payload sector
// number.
type Trailer struct {
	State State
	Flags []SectorFlag
}

// Codec reads and writes a single trailer sector of a device whose
// erase/program granularity is SectorSize.
type Codec struct {
	Device     hal.Device
	SectorSize uint32
}

// flagByteOffset returns the byte offset, from the start of the
// trailer sector, holding sector i's nibble (§4.2).
func flagByteOffset(sectorSize, i uint32) uint32 {
	return sectorSize - 9 - i/2
}

// flagsByteLen returns how many packed flag bytes are needed for n
// sectors (two nibbles per byte).
func flagsByteLen(n uint32) uint32 {
	return (n + 1) / 2
}

// Read decodes the trailer at sectorBase. numSectors is the number of
// payload sectors this trailer's partition describes, needed to know
// how many flag nibbles to decode.
func (c Codec) Read(sectorBase, numSectors uint32) (Trailer, Status, error) {
	buf, err := c.Device.Read(sectorBase, c.SectorSize)
	if err != nil {
		return Trailer{}, Corrupt, fmt.Errorf("trailer: read sector %#x: %w", sectorBase, err)
	}

	magicOff := c.SectorSize - 4
	magic := buf[magicOff : magicOff+4]

	allOnes := bytes.Equal(magic, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	isBoot := bytes.Equal(magic, Magic[:])

	if allOnes {
		return Trailer{}, Blank, nil
	}
	if !isBoot {
		return Trailer{}, Corrupt, nil
	}

	state := State(buf[c.SectorSize-5])
	if !state.Valid() {
		return Trailer{}, Corrupt, nil
	}

	flags := make([]SectorFlag, numSectors)
	for i := uint32(0); i < numSectors; i++ {
		off := flagByteOffset(c.SectorSize, i)
		b := buf[off]
		if i%2 == 0 {
			flags[i] = SectorFlag(b & 0x0F)
		} else {
			flags[i] = SectorFlag((b >> 4) & 0x0F)
		}
	}

	return Trailer{State: state, Flags: flags}, Valid, nil
}

// Write commits t to sectorBase: erase, then flags, then state byte,
// then magic, in that order (§4.2). If power is lost before the magic
// write lands, the magic still reads all ones and a subsequent Read
// observes Blank, never a trailer that looks fresh but isn't fully
// committed (invariant 2).
func (c Codec) Write(sectorBase uint32, t Trailer) error {
	if !t.State.Valid() {
		return fmt.Errorf("trailer: refusing to write invalid state %#02x", byte(t.State))
	}
	if flagsByteLen(uint32(len(t.Flags))) > c.SectorSize-8 {
		return fmt.Errorf("trailer: %d sector flags do not fit in a %d-byte sector", len(t.Flags), c.SectorSize)
	}

	return hal.WithUnlock(c.Device, func() error {
		if err := c.Device.Erase(sectorBase, c.SectorSize); err != nil {
			return fmt.Errorf("trailer: erase: %w", err)
		}

		nFlagBytes := flagsByteLen(uint32(len(t.Flags)))
		if nFlagBytes > 0 {
			flagBuf := make([]byte, nFlagBytes)
			for i := range flagBuf {
				flagBuf[i] = 0xFF
			}
			for i, f := range t.Flags {
				idx := uint32(i) / 2
				// flagBuf[idx] packs sectors 2*idx (low nibble) and
				// 2*idx+1 (high nibble), the same pairing flagByteOffset
				// gives Read; the loop below places it in flash.
				if i%2 == 0 {
					flagBuf[idx] = (flagBuf[idx] & 0xF0) | byte(f)
				} else {
					flagBuf[idx] = (flagBuf[idx] & 0x0F) | (byte(f) << 4)
				}
			}
			// flagBuf[0] corresponds to the highest-addressed flag byte
			// (⌊i/2⌋ == 0), which sits at c.SectorSize-9.
			for idx := uint32(0); idx < nFlagBytes; idx++ {
				addr := c.SectorSize - 9 - idx
				if err := c.Device.Write(sectorBase+addr, flagBuf[idx:idx+1]); err != nil {
					return fmt.Errorf("trailer: write flags: %w", err)
				}
			}
		}

		if err := c.Device.Write(sectorBase+c.SectorSize-5, []byte{byte(t.State)}); err != nil {
			return fmt.Errorf("trailer: write state: %w", err)
		}
		if err := c.Device.Write(sectorBase+c.SectorSize-4, Magic[:]); err != nil {
			return fmt.Errorf("trailer: write magic: %w", err)
		}
		return nil
	})
}
