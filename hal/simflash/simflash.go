// Package simflash is the host-side flash test double used by every
// package's unit tests. It backs a
// Device over an mmap'd flat file, the same way a memory-mapped disk
// image stands in for a real flash chip: tests exercise the same
// write-once/erase discipline real NOR flash imposes without needing
// real hardware.
package simflash

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/wolfboot-go/secureboot/hal"
)

// Device is an in-process flash region backed by a temp file. Reads
// and writes alias the mmap'd region directly, just like a real
// memory-mapped flash controller.
type Device struct {
	mu         sync.Mutex
	file       *os.File
	region     mmap.MMap
	sectorSize uint32
	lockCount  int
	locked     bool

	eraseCount map[uint32]int // sector base addr -> erase count, for test assertions
}

// New creates a Device of size bytes (a multiple of sectorSize),
// backed by a temp file, initialized to the erased state (all 0xFF).
func New(size, sectorSize uint32) (*Device, error) {
	if sectorSize == 0 || size%sectorSize != 0 {
		return nil, fmt.Errorf("simflash: size %d not a multiple of sector size %d", size, sectorSize)
	}

	f, err := os.CreateTemp("", "secureboot-simflash-*.bin")
	if err != nil {
		return nil, fmt.Errorf("simflash: create backing file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("simflash: truncate backing file: %w", err)
	}

	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("simflash: mmap: %w", err)
	}

	// Best-effort: keep the simulated flash image resident so write-once
	// semantics are observable even under memory pressure. Not fatal if
	// the platform/sandbox denies it.
	_ = unix.Mlock(region)

	for i := range region {
		region[i] = 0xFF
	}

	return &Device{
		file:       f,
		region:     region,
		sectorSize: sectorSize,
		eraseCount: make(map[uint32]int),
	}, nil
}

// Close unmaps and removes the backing file. Tests should defer it.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := d.file.Name()
	_ = unix.Munlock(d.region)
	errUnmap := d.region.Unmap()
	errClose := d.file.Close()
	_ = os.Remove(name)
	if errUnmap != nil {
		return errUnmap
	}
	return errClose
}

func (d *Device) SectorSize() uint32 { return d.sectorSize }

// Unlock implements hal.Device's refcounted write-enable scope.
func (d *Device) Unlock() (func(), error) {
	d.mu.Lock()
	d.lockCount++
	d.locked = true
	d.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			d.mu.Lock()
			d.lockCount--
			if d.lockCount <= 0 {
				d.lockCount = 0
				d.locked = false
			}
			d.mu.Unlock()
		})
	}
	return release, nil
}

// Locked reports whether the flash is currently locked (no Unlock scope
// open); exposed so tests can assert the bootloader leaves flash locked on
// every exit path, mirroring unit-nvm.c's final `ck_assert_msg(locked, ...)`.
func (d *Device) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.locked
}

func (d *Device) checkBounds(addr, length uint32) error {
	if uint64(addr)+uint64(length) > uint64(len(d.region)) {
		return fmt.Errorf("simflash: range [%d,%d) out of bounds (size %d)", addr, addr+length, len(d.region))
	}
	return nil
}

// Erase erases the sector-aligned region, setting every byte to 0xFF
// and bumping the erase counter of every touched sector.
func (d *Device) Erase(addr, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.locked {
		return fmt.Errorf("simflash: erase while locked: %w", hal.ErrIO)
	}
	if addr%d.sectorSize != 0 || length%d.sectorSize != 0 {
		return fmt.Errorf("simflash: erase range not sector-aligned: %w", hal.ErrIO)
	}
	if err := d.checkBounds(addr, length); err != nil {
		return fmt.Errorf("%w: %v", hal.ErrIO, err)
	}

	for off := uint32(0); off < length; off += d.sectorSize {
		base := addr + off
		for i := uint32(0); i < d.sectorSize; i++ {
			d.region[base+i] = 0xFF
		}
		d.eraseCount[base]++
	}
	return nil
}

// Write clears bits only; it never sets a 0 bit back to 1.
func (d *Device) Write(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.locked {
		return fmt.Errorf("simflash: write while locked: %w", hal.ErrIO)
	}
	if err := d.checkBounds(addr, uint32(len(buf))); err != nil {
		return fmt.Errorf("%w: %v", hal.ErrIO, err)
	}

	for i, b := range buf {
		cur := d.region[addr+uint32(i)]
		if b&^cur != 0 {
			return fmt.Errorf("simflash: attempt to set cleared bit at %#x: %w", addr+uint32(i), hal.ErrBitSet)
		}
		d.region[addr+uint32(i)] = cur & b
	}
	return nil
}

// Read returns a direct view over the mmap'd region. The slice
// aliases live flash; callers must copy before the next mutation if
// they need a stable snapshot.
func (d *Device) Read(addr, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkBounds(addr, length); err != nil {
		return nil, fmt.Errorf("%w: %v", hal.ErrIO, err)
	}
	return d.region[addr : addr+length], nil
}

// EraseCount returns how many times the sector starting at addr has
// been erased. Used by nvmsector's tests to assert which of the two
// trailer banks was erased on migration (§8 scenario 3), the same
// role unit-nvm.c's erased_nvm_bank0/erased_nvm_bank1 counters play.
func (d *Device) EraseCount(addr uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eraseCount[addr]
}
