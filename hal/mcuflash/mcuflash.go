//go:build tinygo

// Package mcuflash implements hal.Device over the RP2350's on-chip
// flash, using the same ROM-function calling convention as the
// teacher's ota package: bootrom lookup by two-character code, direct
// flash_range_erase/flash_range_program calls with XIP disabled for
// the duration. It intentionally bypasses the RP2350's own hardware
// A/B partition table and TBYB mechanism — this bootloader's trailer
// protocol (C2/C5/C6) replaces that, so mcuflash exposes nothing but
// the raw erase/program/read primitives hal.Device needs.
package mcuflash

/*
#include <stdint.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)
#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define FLASH_SECTOR_ERASE_CMD 0x20
#define FLASH_SECTOR_SIZE 4096

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int mcuflash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    program(offset, data, len);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int mcuflash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static void mcuflash_reboot_normal(void) {
    #define WATCHDOG_CTRL (0x400d8000)
    #define WATCHDOG_CTRL_TRIGGER (1u << 31)
    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while(1) { __asm__("nop"); }
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/wolfboot-go/secureboot/hal"
)

const (
	sectorSize = 4096
	xipBase    = 0x10000000
)

// Device drives the RP2350's internal flash directly, the same way the
// teacher's ota package did, but exposing hal.Device's narrow contract
// instead of the board-specific TBYB API.
type Device struct {
	mu       sync.Mutex
	refcount int
}

// New returns a Device over the chip's internal flash. Addresses passed
// to its methods are raw flash offsets (not XIP addresses).
func New() *Device {
	return &Device{}
}

func (d *Device) Unlock() (func(), error) {
	d.mu.Lock()
	d.refcount++
	d.mu.Unlock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			d.mu.Lock()
			d.refcount--
			d.mu.Unlock()
		})
	}
	return release, nil
}

func (d *Device) Locked() bool {
	return d.refcount == 0
}

func (d *Device) SectorSize() uint32 { return sectorSize }

func (d *Device) Erase(addr, length uint32) error {
	if addr%sectorSize != 0 || length%sectorSize != 0 {
		return fmt.Errorf("mcuflash: erase addr/length must be sector aligned: %w", hal.ErrIO)
	}
	if C.mcuflash_erase(C.uint32_t(addr), C.uint32_t(length)) != 0 {
		return fmt.Errorf("mcuflash: erase failed: %w", hal.ErrIO)
	}
	return nil
}

func (d *Device) Write(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	current, err := d.Read(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	for i, b := range buf {
		if current[i]&b != b {
			return fmt.Errorf("mcuflash: write at %#x+%d would set a cleared bit: %w", addr, i, hal.ErrBitSet)
		}
	}
	if C.mcuflash_program(C.uint32_t(addr), (*C.uint8_t)(&buf[0]), C.uint32_t(len(buf))) != 0 {
		return fmt.Errorf("mcuflash: program failed: %w", hal.ErrIO)
	}
	return nil
}

// Read returns a copy of the flash contents at addr via the XIP memory
// window; the chip maps flash read-only at xipBase+addr regardless of
// erase/program state.
func (d *Device) Read(addr, length uint32) ([]byte, error) {
	ptr := unsafe.Pointer(uintptr(xipBase + addr))
	view := unsafe.Slice((*byte)(ptr), length)
	return append([]byte(nil), view...), nil
}

// Reboot implements hal.Rebooter via the watchdog, matching the
// teacher's ota.Reboot fallback path (the ROM reboot-to-partition call
// doesn't apply here since mcuflash has no hardware partition table).
func (d *Device) Reboot() {
	C.mcuflash_reboot_normal()
}
