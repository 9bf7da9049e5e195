// Package bootstate implements the top-level Boot State Machine (C6,
// §4.6): the algorithm executed on every reset that coordinates
// verify -> trigger -> swap -> test-boot -> confirm/rollback across
// power cycles. It is the only package that exposes host-facing
// procedure calls (update_trigger, success, current_firmware_version,
// set_encrypt_key, §6) — every other package is an internal
// collaborator reached only through Machine.
package bootstate

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfboot-go/secureboot/hal"
	"github.com/wolfboot-go/secureboot/imgheader"
	"github.com/wolfboot-go/secureboot/keystore"
	"github.com/wolfboot-go/secureboot/nvmsector"
	"github.com/wolfboot-go/secureboot/partition"
	"github.com/wolfboot-go/secureboot/sigsuite"
	"github.com/wolfboot-go/secureboot/swapengine"
	"github.com/wolfboot-go/secureboot/trailer"
)

// ErrRollbackTriggered is not a failure from the bootloader's own
// standpoint (§7): it marks that Reset chose the rollback path rather
// than booting the candidate update.
var ErrRollbackTriggered = errors.New("bootstate: rollback triggered")

// ErrNoBootableImage is returned by Reset when BOOT holds no header
// that parses and authenticates, and no backup exists to roll back to
// — a manufacture-time device with nothing flashed yet, or a BOOT
// partition that's been corrupted beyond the swap protocol's recovery.
var ErrNoBootableImage = errors.New("bootstate: no bootable image in BOOT")

// ErrNotTesting is returned by Success when BOOT is not in the TESTING
// state; only a freshly swapped, unconfirmed image may be confirmed.
var ErrNotTesting = errors.New("bootstate: success() called outside TESTING state")

// Machine coordinates BOOT and UPDATE's trailers and the swap engine
// between them. It holds no image bytes in memory: every step reads
// and writes through the flash device directly.
type Machine struct {
	Device     hal.Device
	Boot       partition.Partition
	Update     partition.Partition
	HeaderSize uint32
	Keystore   keystore.Keystore
	Log        *slog.Logger

	bootSel   nvmsector.Selector
	updateSel nvmsector.Selector
	swap      swapengine.Engine
}

// New constructs a Machine over the given partition layout and flash
// device. swapPart is the single-sector scratch region.
func New(dev hal.Device, boot, update, swapPart partition.Partition, headerSize uint32, ks keystore.Keystore, log *slog.Logger) (*Machine, error) {
	if log == nil {
		log = slog.Default()
	}
	eng, err := swapengine.NewEngine(dev, boot, update, swapPart, log)
	if err != nil {
		return nil, fmt.Errorf("bootstate: %w", err)
	}
	m := &Machine{
		Device:     dev,
		Boot:       boot,
		Update:     update,
		HeaderSize: headerSize,
		Keystore:   ks,
		Log:        log,
		bootSel:    nvmsector.Selector{Device: dev, Partition: boot, Codec: trailer.Codec{Device: dev, SectorSize: boot.SectorSize}},
		updateSel:  nvmsector.Selector{Device: dev, Partition: update, Codec: trailer.Codec{Device: dev, SectorSize: update.SectorSize}},
		swap:       eng,
	}
	return m, nil
}

// readHeader parses the image header at the start of p's payload
// region and returns it alongside the SHA-256 of the payload bytes it
// claims to cover.
func (m *Machine) readHeader(p partition.Partition) (imgheader.Header, [32]byte, error) {
	raw, err := m.Device.Read(p.Base, p.PayloadSize())
	if err != nil {
		return imgheader.Header{}, [32]byte{}, fmt.Errorf("bootstate: read %s payload: %w", p.Kind, err)
	}
	if uint32(len(raw)) < m.HeaderSize {
		return imgheader.Header{}, [32]byte{}, fmt.Errorf("bootstate: %s payload shorter than header size: %w", p.Kind, imgheader.ErrHeaderMalformed)
	}

	h, err := imgheader.Parse(raw, m.HeaderSize)
	if err != nil {
		return imgheader.Header{}, [32]byte{}, err
	}
	if err := imgheader.CheckSize(h.ImageSize, m.HeaderSize, p.Size); err != nil {
		return imgheader.Header{}, [32]byte{}, err
	}

	imageEnd := uint64(m.HeaderSize) + uint64(h.ImageSize)
	if imageEnd > uint64(len(raw)) {
		return imgheader.Header{}, [32]byte{}, fmt.Errorf("bootstate: %s image_size overruns payload: %w", p.Kind, imgheader.ErrHeaderMalformed)
	}
	hash := sha256.Sum256(raw[m.HeaderSize:imageEnd])
	return h, hash, nil
}

// verify parses and authenticates the image at p's payload, per §4.4's
// pure predicate composed over this machine's keystore.
func (m *Machine) verify(p partition.Partition) (imgheader.Header, error) {
	h, hash, err := m.readHeader(p)
	if err != nil {
		return imgheader.Header{}, err
	}
	keys := m.Keystore.Keys
	// A keyless None keystore (keystore.NoSign) accepts any image: the
	// header's own hint stands in as the matching key.
	if _, none := m.Keystore.Suite.(sigsuite.None); none && len(keys) == 0 {
		keys = []imgheader.PubKey{{Hint: h.PubkeyHint}}
	}
	if err := imgheader.Verify(h, hash, keys, m.Keystore.Suite); err != nil {
		return imgheader.Header{}, err
	}
	return h, nil
}

// UpdateTrigger is the host-side API (§4.6): it assumes a valid image
// has already been written to UPDATE, checks its header is at least
// well-formed and sized to fit (§7 SIZE_EXCEEDED, checked synchronously
// before any durable state changes), then commits UPDATE to UPDATING.
// Signature verification is deferred to Reset, which runs with the
// device's full keystore at the point the update is actually applied.
func (m *Machine) UpdateTrigger() error {
	if _, _, err := m.readHeader(m.Update); err != nil {
		return fmt.Errorf("bootstate: update_trigger: %w", err)
	}
	if err := m.updateSel.SetState(trailer.StateUpdating); err != nil {
		return fmt.Errorf("bootstate: update_trigger: %w", err)
	}
	m.Log.Info("boot:state", slog.String("partition", "UPDATE"), slog.String("state", trailer.StateUpdating.String()))
	return nil
}

// Success is callable only by the running application once BOOT is
// TESTING (§4.6 step 3): it atomically confirms BOOT and clears
// UPDATE back to NEW. UPDATE is cleared first, so a power loss between
// the two commits leaves BOOT TESTING and the next Reset rolls back
// exactly as if Success had not been called. The erase of UPDATE
// (payload and trailers) that follows is best-effort bookkeeping, not
// part of the atomic commit — a later
// Reset that finds UPDATE already NEW behaves identically whether or
// not the erase completed, since the next update overwrites UPDATE's
// payload unconditionally before triggering again.
func (m *Machine) Success() error {
	state, err := m.bootSel.State()
	if err != nil {
		return fmt.Errorf("bootstate: success: %w", err)
	}
	if state != trailer.StateTesting {
		return ErrNotTesting
	}
	if err := m.updateSel.SetState(trailer.StateNew); err != nil {
		return fmt.Errorf("bootstate: success: reset UPDATE: %w", err)
	}
	if err := m.bootSel.SetState(trailer.StateSuccess); err != nil {
		return fmt.Errorf("bootstate: success: confirm BOOT: %w", err)
	}
	m.Log.Info("boot:state", slog.String("partition", "BOOT"), slog.String("state", trailer.StateSuccess.String()))

	if err := m.updateSel.ErasePartition(); err != nil {
		m.Log.Info("boot:erase-deferred", slog.String("partition", "UPDATE"), slog.String("error", err.Error()))
	}
	return nil
}

// CurrentFirmwareVersion reports BOOT's image header VERSION field. It
// does not re-authenticate the image; BOOT was already verified the
// last time Reset ran.
func (m *Machine) CurrentFirmwareVersion() (uint32, error) {
	h, _, err := m.readHeader(m.Boot)
	if err != nil {
		return 0, fmt.Errorf("bootstate: current_firmware_version: %w", err)
	}
	return h.Version, nil
}

// SetEncryptKey forwards to the flash device's optional encryption
// capability, if it has one; devices that don't implement
// hal.EncryptKeySetter treat this as a no-op, matching wolfBoot's
// build-time opt-in to flash encryption.
func (m *Machine) SetEncryptKey(key []byte) error {
	setter, ok := m.Device.(hal.EncryptKeySetter)
	if !ok {
		return nil
	}
	return setter.SetEncryptKey(key)
}

// rollbackPending reports whether UPDATE's flags show at least one
// BACKUP, the precondition for a rollback swap to have anywhere to
// pull content from (§4.6: "driven by presence of BACKUP flags in
// UPDATE").
func (m *Machine) rollbackPending() (bool, error) {
	n := m.swap.NumSectors()
	for i := uint32(0); i < n; i++ {
		f, err := m.updateSel.SectorFlag(i)
		if err != nil {
			return false, err
		}
		if f == trailer.FlagBackup {
			return true, nil
		}
	}
	return false, nil
}

// Reset runs exactly one pass of the algorithm in §4.6, dispatching on
// BOOT's durable state. It returns nil when BOOT now holds a verified,
// bootable image the caller should jump to; ErrRollbackTriggered when
// it instead performed a rollback this pass (the caller should call
// Reset again, mirroring a reboot, to pick up the restored image); and
// ErrNoBootableImage when nothing currently in BOOT authenticates and
// there is no backup to fall back on.
func (m *Machine) Reset() error {
	state, err := m.bootSel.State()
	if err != nil {
		return fmt.Errorf("bootstate: reset: %w", err)
	}

	switch state {
	case trailer.StateTesting:
		return m.rollback()

	case trailer.StateUpdating:
		// BOOT=UPDATING covers two distinct in-flight operations that
		// share the same state byte (§4.6): a forward swap the host
		// triggered, or a rollback this machine itself started from the
		// TESTING branch above. UPDATE's own state byte disambiguates —
		// rollback marks it TESTING for the swap's duration (see
		// rollback()) since UPDATE never legitimately reaches TESTING
		// any other way.
		updState, err := m.updateSel.State()
		if err != nil {
			return fmt.Errorf("bootstate: reset: %w", err)
		}
		if updState == trailer.StateTesting {
			return m.resumeRollback()
		}
		// BOOT=UPDATING but not yet TESTING: a forward swap is either
		// mid-flight or its arming step (ArmForward, one commit per
		// partition) was interrupted before both commits landed.
		// ForwardNotStarted distinguishes the two: if no BOOT sector has
		// moved past its armed value yet, it is always safe to (re)arm —
		// this recovers a crash between ArmForward's BOOT and UPDATE
		// commits without discarding genuine progress, closing the gap
		// where an unarmed UPDATE sector would otherwise be swapped with
		// stale flags (§8 P6).
		notStarted, err := m.swap.ForwardNotStarted()
		if err != nil {
			return fmt.Errorf("bootstate: reset: %w", err)
		}
		if notStarted {
			if err := m.swap.ArmForward(trailer.StateUpdating); err != nil {
				return fmt.Errorf("bootstate: reset: re-arm: %w", err)
			}
		}
		if err := m.swap.Forward(); err != nil {
			return fmt.Errorf("bootstate: reset: resume swap: %w", err)
		}
		if err := m.bootSel.SetState(trailer.StateTesting); err != nil {
			return fmt.Errorf("bootstate: reset: %w", err)
		}
		m.Log.Info("boot:state", slog.String("partition", "BOOT"), slog.String("state", trailer.StateTesting.String()))
		return nil

	default: // StateSuccess or the manufacture-default StateNew ("missing trailer", §4.6 step 1).
		updState, err := m.updateSel.State()
		if err != nil {
			return fmt.Errorf("bootstate: reset: %w", err)
		}
		if updState == trailer.StateUpdating {
			if _, err := m.verify(m.Update); err != nil {
				// HEADER_MALFORMED / SIG_BAD / KEY_UNKNOWN: reject the
				// candidate, leave UPDATE as-is (§7, §8 scenario 5), and
				// fall through to booting the still-unchanged BOOT image.
				m.Log.Info("boot:update-rejected", slog.String("error", err.Error()))
			} else {
				// ArmForward commits BOOT's state and flag reset in one
				// durable write and UPDATE's flag reset in a second,
				// rather than bootSel.SetState followed by N independent
				// SetSectorFlag calls — a crash between the two commits
				// is recovered by Reset's ForwardNotStarted check above,
				// not left as a permanently unswappable sector.
				if err := m.swap.ArmForward(trailer.StateUpdating); err != nil {
					return fmt.Errorf("bootstate: reset: %w", err)
				}
				m.Log.Info("boot:state", slog.String("partition", "BOOT"), slog.String("state", trailer.StateUpdating.String()))
				if err := m.swap.Forward(); err != nil {
					return fmt.Errorf("bootstate: reset: forward swap: %w", err)
				}
				if err := m.bootSel.SetState(trailer.StateTesting); err != nil {
					return fmt.Errorf("bootstate: reset: %w", err)
				}
				m.Log.Info("boot:state", slog.String("partition", "BOOT"), slog.String("state", trailer.StateTesting.String()))
				return nil
			}
		}

		if _, err := m.verify(m.Boot); err != nil {
			pending, rerr := m.rollbackPending()
			if rerr != nil {
				return fmt.Errorf("bootstate: reset: %w", rerr)
			}
			if pending {
				return m.rollback()
			}
			return fmt.Errorf("%w: %v", ErrNoBootableImage, err)
		}
		return nil
	}
}

// rollback executes the mirror swap of §4.6's TESTING branch and
// re-arms BOOT as confirmed, since the content it restores was already
// the last SUCCESS-confirmed image. UPDATE is marked TESTING for the
// swap's duration purely as an in-flight marker so a crash mid-rollback
// is recognised as such on the next Reset, rather than mistaken for an
// interrupted forward swap (both leave BOOT=UPDATING).
func (m *Machine) rollback() error {
	if err := m.bootSel.SetState(trailer.StateUpdating); err != nil {
		return fmt.Errorf("bootstate: rollback: %w", err)
	}
	if err := m.updateSel.SetState(trailer.StateTesting); err != nil {
		return fmt.Errorf("bootstate: rollback: %w", err)
	}
	return m.resumeRollback()
}

// resumeRollback drives the rollback swap to completion and commits the
// restored BOOT as confirmed. Called both from a fresh rollback and
// from Reset when a prior rollback was interrupted mid-swap.
func (m *Machine) resumeRollback() error {
	if err := m.swap.Rollback(); err != nil {
		return fmt.Errorf("bootstate: rollback: %w", err)
	}
	if err := m.bootSel.SetState(trailer.StateSuccess); err != nil {
		return fmt.Errorf("bootstate: rollback: %w", err)
	}
	if err := m.updateSel.SetState(trailer.StateNew); err != nil {
		return fmt.Errorf("bootstate: rollback: %w", err)
	}
	m.Log.Info("boot:rollback", slog.String("partition", "BOOT"), slog.String("state", trailer.StateSuccess.String()))
	return ErrRollbackTriggered
}
