package swapengine

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/wolfboot-go/secureboot/hal/simflash"
	"github.com/wolfboot-go/secureboot/partition"
	"github.com/wolfboot-go/secureboot/trailer"
)

const testSectorSize = 256
const testPayloadSectors = 4

// newTestLayout lays out BOOT, UPDATE (4 payload + 2 trailer sectors
// each) and a single-sector SWAP, all on one simulated device.
func newTestLayout(t *testing.T) (*simflash.Device, Engine) {
	t.Helper()
	partSize := uint32(testPayloadSectors+partition.TrailerSectors) * testSectorSize

	dev, err := simflash.New(2*partSize+testSectorSize, testSectorSize)
	if err != nil {
		t.Fatalf("simflash.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	boot := partition.Partition{Kind: partition.Boot, Base: 0, Size: partSize, SectorSize: testSectorSize}
	update := partition.Partition{Kind: partition.Update, Base: partSize, Size: partSize, SectorSize: testSectorSize}
	swap := partition.Partition{Kind: partition.Swap, Base: 2 * partSize, Size: testSectorSize, SectorSize: testSectorSize}

	e, err := NewEngine(dev, boot, update, swap, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return dev, e
}

// fillPartitionPayload writes a distinct byte pattern into every
// payload sector of p so sectors are individually identifiable.
func fillPartitionPayload(t *testing.T, dev *simflash.Device, p partition.Partition, seed byte) {
	t.Helper()
	release, err := dev.Unlock()
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer release()

	for i := uint32(0); i < p.Sectors(); i++ {
		addr := p.Base + i*p.SectorSize
		if err := dev.Erase(addr, p.SectorSize); err != nil {
			t.Fatalf("Erase sector %d: %v", i, err)
		}
		buf := make([]byte, p.SectorSize)
		for j := range buf {
			buf[j] = seed + byte(i)
		}
		if err := dev.Write(addr, buf); err != nil {
			t.Fatalf("Write sector %d: %v", i, err)
		}
	}
}

func readPayloadSector(t *testing.T, dev *simflash.Device, p partition.Partition, i uint32) []byte {
	t.Helper()
	buf, err := dev.Read(p.Base+i*p.SectorSize, p.SectorSize)
	if err != nil {
		t.Fatalf("Read sector %d: %v", i, err)
	}
	return append([]byte(nil), buf...)
}

// armForwardSwap sets BOOT's flags to NEW and UPDATE's flags to
// UPDATED, the precondition §4.5 names as "initial: B=NEW, U=UPDATED".
func armForwardSwap(t *testing.T, e Engine) {
	t.Helper()
	for i := uint32(0); i < e.NumSectors(); i++ {
		if err := e.Boot.Selector.SetSectorFlag(i, trailer.FlagNew); err != nil {
			t.Fatalf("arm BOOT sector %d: %v", i, err)
		}
		if err := e.Update.Selector.SetSectorFlag(i, trailer.FlagUpdated); err != nil {
			t.Fatalf("arm UPDATE sector %d: %v", i, err)
		}
	}
}

func TestForwardSwapMovesUpdateIntoBoot(t *testing.T) {
	dev, e := newTestLayout(t)
	fillPartitionPayload(t, dev, e.Boot.Partition, 0x10)
	fillPartitionPayload(t, dev, e.Update.Partition, 0x50)
	armForwardSwap(t, e)

	bootBefore := make([][]byte, e.NumSectors())
	for i := range bootBefore {
		bootBefore[i] = readPayloadSector(t, dev, e.Boot.Partition, uint32(i))
	}

	if err := e.Forward(); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	for i := uint32(0); i < e.NumSectors(); i++ {
		got := readPayloadSector(t, dev, e.Boot.Partition, i)
		expectFromUpdate := make([]byte, testSectorSize)
		for j := range expectFromUpdate {
			expectFromUpdate[j] = 0x50 + byte(i)
		}
		if !bytes.Equal(got, expectFromUpdate) {
			t.Fatalf("BOOT sector %d: got first byte %#x want %#x", i, got[0], expectFromUpdate[0])
		}

		gotUpdate := readPayloadSector(t, dev, e.Update.Partition, i)
		if !bytes.Equal(gotUpdate, bootBefore[i]) {
			t.Fatalf("UPDATE sector %d should hold the pre-swap BOOT content (backup), got first byte %#x want %#x", i, gotUpdate[0], bootBefore[i][0])
		}

		bf, err := e.Boot.Selector.SectorFlag(i)
		if err != nil || bf != trailer.FlagUpdated {
			t.Fatalf("BOOT sector %d flag: got %v err=%v, want UPDATED", i, bf, err)
		}
		uf, err := e.Update.Selector.SectorFlag(i)
		if err != nil || uf != trailer.FlagBackup {
			t.Fatalf("UPDATE sector %d flag: got %v err=%v, want BACKUP", i, uf, err)
		}
	}
}

// TestForwardSwapResumesMidSwap is scenario 4 of §8: interrupt between
// step B and step C of some sector, then resume and confirm the final
// BOOT image matches an uninterrupted run.
func TestForwardSwapResumesMidSwap(t *testing.T) {
	dev, e := newTestLayout(t)
	fillPartitionPayload(t, dev, e.Boot.Partition, 0x10)
	fillPartitionPayload(t, dev, e.Update.Partition, 0x50)
	armForwardSwap(t, e)

	const stopSector = 2
	// Drive sectors 0..stopSector-1 fully, then stop sector `stopSector`
	// right after step B (dst flag == final, src flag still srcReady).
	for i := uint32(0); i < stopSector; i++ {
		for {
			done, err := e.step(forwardPlan, e.Boot, e.Update, i)
			if err != nil {
				t.Fatalf("step sector %d: %v", i, err)
			}
			if done {
				break
			}
		}
	}
	for {
		dstFlag, err := e.Boot.Selector.SectorFlag(stopSector)
		if err != nil {
			t.Fatalf("SectorFlag: %v", err)
		}
		if dstFlag == forwardPlan.final {
			break // stepped A and B; stop before step C
		}
		if _, err := e.step(forwardPlan, e.Boot, e.Update, stopSector); err != nil {
			t.Fatalf("step sector %d: %v", stopSector, err)
		}
	}

	// Resume: Forward must pick up from stopSector's step C onward.
	if err := e.Forward(); err != nil {
		t.Fatalf("Forward (resume): %v", err)
	}

	for i := uint32(0); i < e.NumSectors(); i++ {
		got := readPayloadSector(t, dev, e.Boot.Partition, i)
		expect := make([]byte, testSectorSize)
		for j := range expect {
			expect[j] = 0x50 + byte(i)
		}
		if !bytes.Equal(got, expect) {
			t.Fatalf("BOOT sector %d after resume: got first byte %#x want %#x", i, got[0], expect[0])
		}
		bf, err := e.Boot.Selector.SectorFlag(i)
		if err != nil || bf != trailer.FlagUpdated {
			t.Fatalf("BOOT sector %d flag after resume: got %v err=%v", i, bf, err)
		}
	}
}

// TestRollbackRestoresPreUpdateBoot is scenario 6 of §8: after a
// completed forward swap with no success() call, a rollback swap
// restores BOOT's original content.
func TestRollbackRestoresPreUpdateBoot(t *testing.T) {
	dev, e := newTestLayout(t)
	fillPartitionPayload(t, dev, e.Boot.Partition, 0x10)
	fillPartitionPayload(t, dev, e.Update.Partition, 0x50)

	originalBoot := make([][]byte, e.NumSectors())
	for i := range originalBoot {
		originalBoot[i] = readPayloadSector(t, dev, e.Boot.Partition, uint32(i))
	}

	armForwardSwap(t, e)
	if err := e.Forward(); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if err := e.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	for i := uint32(0); i < e.NumSectors(); i++ {
		got := readPayloadSector(t, dev, e.Boot.Partition, i)
		if !bytes.Equal(got, originalBoot[i]) {
			t.Fatalf("BOOT sector %d after rollback: got first byte %#x want %#x (original)", i, got[0], originalBoot[i][0])
		}
		bf, err := e.Boot.Selector.SectorFlag(i)
		if err != nil || bf != trailer.FlagNew {
			t.Fatalf("BOOT sector %d flag after rollback: got %v err=%v, want NEW", i, bf, err)
		}
		uf, err := e.Update.Selector.SectorFlag(i)
		if err != nil || uf != trailer.FlagUpdated {
			t.Fatalf("UPDATE sector %d flag after rollback: got %v err=%v, want UPDATED", i, uf, err)
		}
	}
}

// TestArmForwardCommitsBootStateAndFlagsAtomically confirms ArmForward
// lands BOOT's state and flag reset together and UPDATE's flag reset
// separately (two commits total, not 2*NumSectors()), and that
// ForwardNotStarted correctly distinguishes "armed but untouched" from
// "a step has run" so Reset knows when re-arming is still safe.
func TestArmForwardCommitsBootStateAndFlagsAtomically(t *testing.T) {
	dev, e := newTestLayout(t)
	fillPartitionPayload(t, dev, e.Boot.Partition, 0x10)
	fillPartitionPayload(t, dev, e.Update.Partition, 0x50)

	notStarted, err := e.ForwardNotStarted()
	if err != nil {
		t.Fatalf("ForwardNotStarted: %v", err)
	}
	if !notStarted {
		t.Fatalf("expected ForwardNotStarted on a fresh layout")
	}

	if err := e.ArmForward(trailer.StateUpdating); err != nil {
		t.Fatalf("ArmForward: %v", err)
	}
	// One commit per partition: each trailer bank of BOOT and UPDATE was
	// erased exactly once (the bank written and the bank retired).
	for _, p := range []partition.Partition{e.Boot.Partition, e.Update.Partition} {
		for bank := 0; bank < partition.TrailerSectors; bank++ {
			base, err := p.TrailerSectorBase(bank)
			if err != nil {
				t.Fatalf("TrailerSectorBase: %v", err)
			}
			if n := dev.EraseCount(base); n != 1 {
				t.Fatalf("%s trailer bank %d erased %d times by ArmForward, want 1 (a single commit)", p.Kind, bank, n)
			}
		}
	}

	bootState, err := e.Boot.Selector.State()
	if err != nil || bootState != trailer.StateUpdating {
		t.Fatalf("BOOT state after ArmForward: got %v err=%v, want UPDATING", bootState, err)
	}
	for i := uint32(0); i < e.NumSectors(); i++ {
		bf, err := e.Boot.Selector.SectorFlag(i)
		if err != nil || bf != trailer.FlagNew {
			t.Fatalf("BOOT sector %d flag after ArmForward: got %v err=%v, want NEW", i, bf, err)
		}
		uf, err := e.Update.Selector.SectorFlag(i)
		if err != nil || uf != trailer.FlagUpdated {
			t.Fatalf("UPDATE sector %d flag after ArmForward: got %v err=%v, want UPDATED", i, uf, err)
		}
	}

	if err := e.Forward(); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	notStarted, err = e.ForwardNotStarted()
	if err != nil {
		t.Fatalf("ForwardNotStarted (after swap): %v", err)
	}
	if notStarted {
		t.Fatalf("expected ForwardNotStarted to report false once sectors have advanced")
	}
}

func TestNewEngineRejectsMismatchedPartitionSizes(t *testing.T) {
	dev, err := simflash.New(4096, testSectorSize)
	if err != nil {
		t.Fatalf("simflash.New: %v", err)
	}
	defer dev.Close()

	boot := partition.Partition{Kind: partition.Boot, Base: 0, Size: 6 * testSectorSize, SectorSize: testSectorSize}
	update := partition.Partition{Kind: partition.Update, Base: 6 * testSectorSize, Size: 3 * testSectorSize, SectorSize: testSectorSize}
	swap := partition.Partition{Kind: partition.Swap, Base: 9 * testSectorSize, Size: testSectorSize, SectorSize: testSectorSize}

	if _, err := NewEngine(dev, boot, update, swap, nil); err == nil {
		t.Fatal("expected error for mismatched BOOT/UPDATE sector counts")
	}
}
