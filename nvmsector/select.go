// Package nvmsector implements the central durability algorithm of
// the bootloader (C3, §4.3): picking which of a partition's two
// trailer-bearing sectors is "fresh", and migrating to the other one
// whenever the state or any sector flag changes.
package nvmsector

import (
	"fmt"

	"github.com/wolfboot-go/secureboot/hal"
	"github.com/wolfboot-go/secureboot/partition"
	"github.com/wolfboot-go/secureboot/trailer"
)

// Selector is the single writer of a partition's trailer pair. No
// concurrent writers exist within the bootloader (§5); this type is
// not safe for concurrent use by multiple goroutines against the same
// partition.
type Selector struct {
	Device    hal.Device
	Partition partition.Partition
	Codec     trailer.Codec
}

// bank reads the status and (if decodable) trailer of trailer copy idx.
func (s Selector) bank(idx int) (trailer.Trailer, trailer.Status, error) {
	base, err := s.Partition.TrailerSectorBase(idx)
	if err != nil {
		return trailer.Trailer{}, trailer.Corrupt, err
	}
	t, status, err := s.Codec.Read(base, s.Partition.Sectors())
	if err != nil {
		return trailer.Trailer{}, trailer.Corrupt, err
	}
	return t, status, nil
}

// dominates reports whether a's sector flags have progressed at least
// as far as b's in every sector and strictly further in at least one
// — "any nibble has moved further along" (§4.3 rule 2).
func dominates(a, b trailer.Trailer) bool {
	strictlyAhead := false
	for i := range a.Flags {
		pa, pb := flagProgression(a.Flags[i]), flagProgression(b.Flags[i])
		if pa < pb {
			return false
		}
		if pa > pb {
			strictlyAhead = true
		}
	}
	return strictlyAhead
}

// flagProgression exposes trailer.SectorFlag's unexported ordering via
// its String-adjacent comparison semantics; defined alongside the
// comparisons nvmsector needs so trailer need not export ranking as
// public API (freshness comparison is this package's concern, not the
// codec's).
func flagProgression(f trailer.SectorFlag) int {
	switch f {
	case trailer.FlagNew:
		return 0
	case trailer.FlagSwapping:
		return 1
	case trailer.FlagUpdated:
		return 2
	case trailer.FlagBackup:
		return 3
	default:
		return -1
	}
}

// newFlags returns n sector flags all set to NEW, the value the
// lifecycle in §3 assigns on manufacture/erasure.
func newFlags(n uint32) []trailer.SectorFlag {
	flags := make([]trailer.SectorFlag, n)
	for i := range flags {
		flags[i] = trailer.FlagNew
	}
	return flags
}

func stateProgression(s trailer.State) int {
	switch s {
	case trailer.StateNew:
		return 0
	case trailer.StateUpdating:
		return 1
	case trailer.StateTesting:
		return 2
	case trailer.StateSuccess:
		return 3
	default:
		return -1
	}
}

// SelectFresh implements §4.3's selection rule, evaluated in order.
// It returns which bank (0 or 1) is fresh and its decoded trailer.
// Reading never mutates flash.
func (s Selector) SelectFresh() (bankIdx int, fresh trailer.Trailer, err error) {
	t0, st0, err := s.bank(0)
	if err != nil {
		return 0, trailer.Trailer{}, fmt.Errorf("nvmsector: read bank 0: %w", err)
	}
	t1, st1, err := s.bank(1)
	if err != nil {
		return 0, trailer.Trailer{}, fmt.Errorf("nvmsector: read bank 1: %w", err)
	}

	valid0, valid1 := st0 == trailer.Valid, st1 == trailer.Valid
	blank0, blank1 := st0 == trailer.Blank, st1 == trailer.Blank
	corrupt0, corrupt1 := st0 == trailer.Corrupt, st1 == trailer.Corrupt

	// Rule 1: exactly one has magic and the other is blank.
	if valid0 && blank1 {
		return 0, t0, nil
	}
	if valid1 && blank0 {
		return 1, t1, nil
	}

	// Rule 2: both have magic; compare progression.
	if valid0 && valid1 {
		if dominates(t0, t1) {
			return 0, t0, nil
		}
		if dominates(t1, t0) {
			return 1, t1, nil
		}
		if stateProgression(t0.State) > stateProgression(t1.State) {
			return 0, t0, nil
		}
		if stateProgression(t1.State) > stateProgression(t0.State) {
			return 1, t1, nil
		}
		// Fully tied: stable default.
		return 0, t0, nil
	}

	// Rule 3: both blank.
	if blank0 && blank1 {
		return 0, trailer.Trailer{State: trailer.StateNew, Flags: newFlags(s.Partition.Sectors())}, nil
	}

	// Rule 4: exactly one is corrupt, select the other.
	if corrupt0 && !corrupt1 {
		if valid1 {
			return 1, t1, nil
		}
		return 1, trailer.Trailer{State: trailer.StateNew, Flags: newFlags(s.Partition.Sectors())}, nil
	}
	if corrupt1 && !corrupt0 {
		if valid0 {
			return 0, t0, nil
		}
		return 0, trailer.Trailer{State: trailer.StateNew, Flags: newFlags(s.Partition.Sectors())}, nil
	}

	// Both corrupt: no rule covers this. Default to bank 0 rather than
	// fail the boot outright; the caller's state-machine will treat an
	// all-NEW trailer as "no update pending".
	return 0, trailer.Trailer{State: trailer.StateNew, Flags: newFlags(s.Partition.Sectors())}, nil
}

// migrate writes next into the bank that is NOT currently fresh, then
// erases the formerly-fresh bank (§4.3: "writes the updated trailer
// into the other sector and then erases the formerly fresh sector").
// The erase is performed synchronously here since this simulator has
// no async flash controller to defer it to; real leaves may queue it.
func (s Selector) migrate(currentBank int, next trailer.Trailer) error {
	otherBank := 1 - currentBank
	otherBase, err := s.Partition.TrailerSectorBase(otherBank)
	if err != nil {
		return err
	}
	if err := s.Codec.Write(otherBase, next); err != nil {
		return fmt.Errorf("nvmsector: migrate write: %w", err)
	}

	currentBase, err := s.Partition.TrailerSectorBase(currentBank)
	if err != nil {
		return err
	}
	return hal.WithUnlock(s.Device, func() error {
		if err := s.Device.Erase(currentBase, s.Codec.SectorSize); err != nil {
			return fmt.Errorf("nvmsector: erase stale bank: %w", err)
		}
		return nil
	})
}

// SetState migrates the partition's trailer to a fresh bank with the
// given state and unchanged sector flags.
func (s Selector) SetState(state trailer.State) error {
	bank, cur, err := s.SelectFresh()
	if err != nil {
		return err
	}
	next := trailer.Trailer{State: state, Flags: cur.Flags}
	if len(next.Flags) == 0 {
		next.Flags = newFlags(s.Partition.Sectors())
	}
	return s.migrate(bank, next)
}

// SetStateAndFlags migrates the partition's trailer to a fresh bank
// with both the state byte and the full sector-flag array replaced in
// a single durable commit. Unlike calling SetState followed by N
// SetSectorFlag calls, a power loss can only ever be observed either
// before or after this whole commit — never midway through it — so
// callers that need "new state + reset flags" to take effect as one
// atomic step (e.g. arming a forward swap) must use this instead of
// composing the two narrower calls.
func (s Selector) SetStateAndFlags(state trailer.State, flags []trailer.SectorFlag) error {
	bank, _, err := s.SelectFresh()
	if err != nil {
		return err
	}
	return s.migrate(bank, trailer.Trailer{State: state, Flags: append([]trailer.SectorFlag(nil), flags...)})
}

// SetFlags migrates the partition's trailer to a fresh bank with the
// full sector-flag array replaced and the state left unchanged, in a
// single durable commit — the sibling of SetStateAndFlags for the side
// of an arm operation whose state doesn't change.
func (s Selector) SetFlags(flags []trailer.SectorFlag) error {
	bank, cur, err := s.SelectFresh()
	if err != nil {
		return err
	}
	return s.migrate(bank, trailer.Trailer{State: cur.State, Flags: append([]trailer.SectorFlag(nil), flags...)})
}

// State returns the partition's current committed state.
func (s Selector) State() (trailer.State, error) {
	_, t, err := s.SelectFresh()
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

// SectorFlag returns the current flag of payload sector i.
func (s Selector) SectorFlag(i uint32) (trailer.SectorFlag, error) {
	_, t, err := s.SelectFresh()
	if err != nil {
		return 0, err
	}
	if i >= uint32(len(t.Flags)) {
		return 0, fmt.Errorf("nvmsector: sector %d out of range (have %d)", i, len(t.Flags))
	}
	return t.Flags[i], nil
}

// SetSectorFlag migrates the partition's trailer to a fresh bank with
// sector i's flag updated and every other field unchanged.
func (s Selector) SetSectorFlag(i uint32, flag trailer.SectorFlag) error {
	bank, cur, err := s.SelectFresh()
	if err != nil {
		return err
	}
	flags := append([]trailer.SectorFlag(nil), cur.Flags...)
	if uint32(len(flags)) <= i {
		grown := make([]trailer.SectorFlag, i+1)
		copy(grown, flags)
		flags = grown
	}
	flags[i] = flag
	next := trailer.Trailer{State: cur.State, Flags: flags}
	return s.migrate(bank, next)
}

// ErasePartition erases both trailer banks and the full payload
// region, resetting the partition to its manufacture-time state: both
// trailers blank, every sector flag implicitly NEW.
func (s Selector) ErasePartition() error {
	return hal.WithUnlock(s.Device, func() error {
		if err := s.Device.Erase(s.Partition.Base, s.Partition.Size); err != nil {
			return fmt.Errorf("nvmsector: erase partition: %w", err)
		}
		return nil
	})
}
