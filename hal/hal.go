// Package hal defines the narrow flash contract every other component
// in this module is built against (§4.1). Concrete implementations —
// a tinygo leaf driving real MCU flash controllers, and a host-side
// simulator backing a flat file — live in hal/mcuflash and
// hal/simflash respectively. Nothing in this package touches real
// hardware; it only describes the capability.
package hal

import (
	"errors"
	"fmt"
)

// ErrIO is returned by Erase/Write when the underlying flash refuses
// the operation. Callers must treat it as fatal for the current
// durable operation and abort without advancing state (§7 HAL_IO).
var ErrIO = errors.New("hal: flash I/O failure")

// ErrBitSet is returned by Write when the caller tries to set a bit
// that is currently clear, which NOR flash cannot do without an
// intervening erase. Real hardware would silently ignore this and
// leave the bit clear; the simulator returns it explicitly so that
// property tests (P2/P3) can catch a protocol violation instead of
// silently masking it.
var ErrBitSet = errors.New("hal: write would set an already-cleared bit")

// Device is the capability every component above it is given instead
// of touching memory directly: a mapped flash region plus the
// operations of §4.1. Implementations must guarantee write(addr,...)
// only clears bits, erase(addr,len) leaves every byte 0xFF, and
// read is a plain memory-mapped view with no side effects.
type Device interface {
	// Unlock acquires the write-enable capability. Nested calls are
	// refcounted: the flash is only actually unlocked on the first
	// call and relocked when the last returned release func runs.
	// Callers MUST defer the returned func so the lock is released on
	// every exit path, including panics recovered higher up the stack.
	Unlock() (release func(), err error)

	// Erase erases the sector-aligned region [addr, addr+len). Both
	// addr and len must be multiples of SectorSize. Afterwards every
	// byte in range reads 0xFF.
	Erase(addr, length uint32) error

	// Write programs buf at addr. It may only clear bits (1->0); an
	// attempt to set a bit fails with ErrBitSet. Implementations that
	// require program-granule alignment enforce it here.
	Write(addr uint32, buf []byte) error

	// Read returns a read-only view of [addr, addr+length) mapped
	// directly over the backing region. The returned slice aliases
	// the flash image and must not be retained past the next Write or
	// Erase touching the same range.
	Read(addr, length uint32) ([]byte, error)

	// SectorSize is the erase granularity of this device.
	SectorSize() uint32
}

// CriticalSection brackets flash operations with interrupts disabled
// on real hardware (§4 Design Notes); it is a no-op on the host
// simulator, which has no interrupt controller to mask. The state
// machine is agnostic to which it's talking to.
type CriticalSection interface {
	// Enter disables interrupts (or is a no-op) and returns a func
	// that restores the previous state. Nestable like Unlock.
	Enter() (exit func())
}

// WithUnlock runs fn with the device unlocked, guaranteeing the
// release on every return path — including a panic, which propagates
// after the flash is safely relocked. This is the idiom every durable,
// multi-step operation in trailer/nvmsector/swapengine uses instead of
// manually pairing Unlock/relock calls.
func WithUnlock(d Device, fn func() error) error {
	release, err := d.Unlock()
	if err != nil {
		return fmt.Errorf("hal: unlock: %w", err)
	}
	defer release()
	return fn()
}
