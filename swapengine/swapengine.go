// Package swapengine implements the A/B partition exchange (C5, §4.5):
// swapping BOOT and UPDATE one sector at a time through a single-sector
// SWAP scratch region, recording progress in the per-sector flag pair
// so an interrupted swap resumes exactly where it left off.
package swapengine

import (
	"fmt"
	"log/slog"

	"github.com/wolfboot-go/secureboot/hal"
	"github.com/wolfboot-go/secureboot/nvmsector"
	"github.com/wolfboot-go/secureboot/partition"
	"github.com/wolfboot-go/secureboot/trailer"
)

// plan parameterizes the generic per-sector dispatch of §4.5 so the
// same four-step machinery drives both the forward swap and its
// mirror, the rollback swap (§4.6: "symmetric to forward swap").
//
// Forward:  initial=NEW, midA=SWAPPING, final=UPDATED, srcReady=UPDATED, srcDone=BACKUP
// Rollback: initial=UPDATED, midA=SWAPPING, final=NEW, srcReady=BACKUP, srcDone=UPDATED
//
// Both instantiations reduce exactly to the literal transition table in
// §4.5 for the forward case; rollback follows by swapping which
// partition plays "dst" and re-reading the same table with BACKUP
// standing in for UPDATED as the "source is ready" flag.
type plan struct {
	initial  trailer.SectorFlag
	midA     trailer.SectorFlag
	final    trailer.SectorFlag
	srcReady trailer.SectorFlag
	srcDone  trailer.SectorFlag
}

var forwardPlan = plan{
	initial:  trailer.FlagNew,
	midA:     trailer.FlagSwapping,
	final:    trailer.FlagUpdated,
	srcReady: trailer.FlagUpdated,
	srcDone:  trailer.FlagBackup,
}

var rollbackPlan = plan{
	initial:  trailer.FlagUpdated,
	midA:     trailer.FlagSwapping,
	final:    trailer.FlagNew,
	srcReady: trailer.FlagBackup,
	srcDone:  trailer.FlagUpdated,
}

// side bundles a partition with the selector that manages its trailer,
// the role the generic exchange plays against it.
type side struct {
	Partition partition.Partition
	Selector  nvmsector.Selector
}

// Engine executes the in-place swap using SWAP as scratch. It never
// holds a full image in memory: each step moves exactly one sector's
// worth of bytes.
type Engine struct {
	Device hal.Device
	Boot   side
	Update side
	Swap   partition.Partition
	Log    *slog.Logger
}

// NewEngine constructs an Engine over the three partitions, all backed
// by the same flash device.
func NewEngine(dev hal.Device, boot, update partition.Partition, swap partition.Partition, log *slog.Logger) (Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	bootSel := nvmsector.Selector{Device: dev, Partition: boot, Codec: trailer.Codec{Device: dev, SectorSize: boot.SectorSize}}
	updateSel := nvmsector.Selector{Device: dev, Partition: update, Codec: trailer.Codec{Device: dev, SectorSize: update.SectorSize}}
	e := Engine{
		Device: dev,
		Boot:   side{Partition: boot, Selector: bootSel},
		Update: side{Partition: update, Selector: updateSel},
		Swap:   swap,
		Log:    log,
	}
	if boot.Sectors() != update.Sectors() {
		return Engine{}, fmt.Errorf("swapengine: BOOT has %d payload sectors, UPDATE has %d; A/B partitions must match", boot.Sectors(), update.Sectors())
	}
	if swap.SectorSize != boot.SectorSize || swap.SectorSize != update.SectorSize {
		return Engine{}, fmt.Errorf("swapengine: SWAP sector size %d must match BOOT/UPDATE sector size", swap.SectorSize)
	}
	return e, nil
}

// NumSectors is the number of payload sectors exchanged, per §4.5:
// total sectors minus the two trailer sectors.
func (e Engine) NumSectors() uint32 {
	return e.Boot.Partition.Sectors()
}

func sectorAddr(p partition.Partition, i uint32) uint32 {
	return p.Base + i*p.SectorSize
}

// copySector erases dst's sector i and writes src bytes into it.
func (e Engine) copySector(dst partition.Partition, i uint32, src []byte) error {
	addr := sectorAddr(dst, i)
	return hal.WithUnlock(e.Device, func() error {
		if err := e.Device.Erase(addr, dst.SectorSize); err != nil {
			return fmt.Errorf("swapengine: erase sector %d of %s: %w", i, dst.Kind, err)
		}
		if err := e.Device.Write(addr, src); err != nil {
			return fmt.Errorf("swapengine: write sector %d of %s: %w", i, dst.Kind, err)
		}
		return nil
	})
}

// readSector returns a copy of dst's sector i; the returned slice does
// not alias the device's backing memory past this call.
func (e Engine) readSector(p partition.Partition, i uint32) ([]byte, error) {
	buf, err := e.Device.Read(sectorAddr(p, i), p.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("swapengine: read sector %d of %s: %w", i, p.Kind, err)
	}
	return append([]byte(nil), buf...), nil
}

// step executes exactly one durable sub-step of sector i's exchange,
// driven by dst/src's current flag pair and pl. It returns done=true
// once sector i has fully transitioned to its final/srcDone pair.
func (e Engine) step(pl plan, dst, src side, i uint32) (done bool, err error) {
	dstFlag, err := dst.Selector.SectorFlag(i)
	if err != nil {
		return false, err
	}
	srcFlag, err := src.Selector.SectorFlag(i)
	if err != nil {
		return false, err
	}

	switch {
	case dstFlag == pl.initial && srcFlag == pl.srcReady:
		// step A: preserve dst's current content in SWAP before it's overwritten.
		content, err := e.readSector(dst.Partition, i)
		if err != nil {
			return false, err
		}
		if err := e.copySector(e.Swap, 0, content); err != nil {
			return false, err
		}
		if err := dst.Selector.SetSectorFlag(i, pl.midA); err != nil {
			return false, err
		}
		e.Log.Info("swap:step", slog.Int("sector", int(i)), slog.String("step", "A"), slog.String("flag", pl.midA.String()))
		return false, nil

	case dstFlag == pl.midA && srcFlag == pl.srcReady:
		// step B: move src's content into dst.
		content, err := e.readSector(src.Partition, i)
		if err != nil {
			return false, err
		}
		if err := e.copySector(dst.Partition, i, content); err != nil {
			return false, err
		}
		if err := dst.Selector.SetSectorFlag(i, pl.final); err != nil {
			return false, err
		}
		e.Log.Info("swap:step", slog.Int("sector", int(i)), slog.String("step", "B"), slog.String("flag", pl.final.String()))
		return false, nil

	case dstFlag == pl.final && srcFlag == pl.srcReady:
		// step C: move the preserved content out of SWAP into src.
		content, err := e.readSector(e.Swap, 0)
		if err != nil {
			return false, err
		}
		if err := e.copySector(src.Partition, i, content); err != nil {
			return false, err
		}
		if err := src.Selector.SetSectorFlag(i, pl.srcDone); err != nil {
			return false, err
		}
		e.Log.Info("swap:step", slog.Int("sector", int(i)), slog.String("step", "C"), slog.String("flag", pl.srcDone.String()))
		return false, nil

	case dstFlag == pl.final && srcFlag == pl.srcDone:
		return true, nil

	default:
		return false, fmt.Errorf("swapengine: sector %d has unexpected flag pair (dst=%s, src=%s)", i, dstFlag, srcFlag)
	}
}

// run drives the exchange to completion, resuming at the lowest sector
// whose dst flag is not yet pl.final (§4.5).
func (e Engine) run(pl plan, dst, src side) error {
	n := e.NumSectors()
	for i := uint32(0); i < n; i++ {
		for {
			dstFlag, err := dst.Selector.SectorFlag(i)
			if err != nil {
				return err
			}
			if dstFlag == pl.final {
				srcFlag, err := src.Selector.SectorFlag(i)
				if err != nil {
					return err
				}
				if srcFlag == pl.srcDone {
					break
				}
			}
			done, err := e.step(pl, dst, src, i)
			if err != nil {
				return fmt.Errorf("swapengine: sector %d: %w", i, err)
			}
			if done {
				break
			}
		}
		e.Log.Info("swap:sector", slog.Int("sector", int(i)), slog.String("status", "complete"))
	}
	return nil
}

// repeatFlag returns n copies of f, the per-sector flag array shape
// ArmForward needs for a whole-partition commit.
func repeatFlag(f trailer.SectorFlag, n uint32) []trailer.SectorFlag {
	flags := make([]trailer.SectorFlag, n)
	for i := range flags {
		flags[i] = f
	}
	return flags
}

// ArmForward (re)sets every payload sector's flags to the forward
// diagram's starting condition — B=NEW, U=UPDATED (§4.5) — regardless
// of what a previous swap cycle left behind, and commits BOOT's
// trailer state to bootState in the same write as BOOT's flag reset.
// This is exactly two durable commits — one per partition's trailer —
// rather than 2*NumSectors() independent ones, so a power loss during
// arming leaves BOOT observably either still in its pre-arm state (the
// commit never landed) or fully armed (state=bootState, every BOOT
// flag NEW); there is no partially-armed BOOT trailer to misread.
//
// ArmForward is safe to call again after an interrupted or fully
// completed arm as long as no forward step has actually run yet
// (ForwardNotStarted reports this): re-arming only rewrites BOOT's
// flags to their already-current NEW value and UPDATE's flags to
// UPDATED, recovering a crash between the two commits without
// regressing anything. Once a step has advanced a BOOT sector past
// NEW, calling ArmForward again would discard that genuine progress —
// callers must check ForwardNotStarted first when resuming.
func (e Engine) ArmForward(bootState trailer.State) error {
	n := e.NumSectors()
	if err := e.Boot.Selector.SetStateAndFlags(bootState, repeatFlag(forwardPlan.initial, n)); err != nil {
		return fmt.Errorf("swapengine: arm BOOT: %w", err)
	}
	if err := e.Update.Selector.SetFlags(repeatFlag(forwardPlan.srcReady, n)); err != nil {
		return fmt.Errorf("swapengine: arm UPDATE: %w", err)
	}
	return nil
}

// ForwardNotStarted reports whether every BOOT payload sector still
// holds the forward plan's initial flag (NEW) — i.e. no forward-swap
// step has executed on any sector yet. Reset's resume path uses this
// to decide whether it's safe to (re)call ArmForward: true means
// arming can be (re)applied without discarding progress, because there
// is none yet; false means a step has already advanced at least one
// sector and ArmForward must not be called again.
func (e Engine) ForwardNotStarted() (bool, error) {
	for i := uint32(0); i < e.NumSectors(); i++ {
		f, err := e.Boot.Selector.SectorFlag(i)
		if err != nil {
			return false, err
		}
		if f != forwardPlan.initial {
			return false, nil
		}
	}
	return true, nil
}

// Forward performs the update swap: UPDATE's new image flows into
// BOOT, and BOOT's previous content is preserved in UPDATE as BACKUP.
func (e Engine) Forward() error {
	return e.run(forwardPlan, e.Boot, e.Update)
}

// Rollback performs the mirror swap: UPDATE's BACKUP content (the
// pre-update BOOT image) flows back into BOOT, and BOOT's current
// (unconfirmed) content is preserved in UPDATE.
func (e Engine) Rollback() error {
	return e.run(rollbackPlan, e.Boot, e.Update)
}
