// Package config supplies the board-specific flash layout: BOOT/
// UPDATE/SWAP geometry plus an optional telemetry collector endpoint.
// Every value follows the same pattern: a default baked into the
// binary, overridable by placing a non-empty value in the
// corresponding .text file before building.
package config

import (
	_ "embed"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/wolfboot-go/secureboot/partition"
)

// Defaults for a board with no override files populated: a 1MiB flash
// starting at address 0, 4KiB sectors, 128KiB BOOT and UPDATE slots, a
// 256-byte image header.
const (
	DefaultFlashBase       = 0
	DefaultSectorSize      = 4096
	DefaultPartitionSize   = 128 * 1024
	DefaultImageHeaderSize = 256
)

// Board geometry overrides (empty file = use the default above).
var (
	//go:embed flash_base.text
	flashBaseOverride string

	//go:embed sector_size.text
	sectorSizeOverride string

	//go:embed partition_size.text
	partitionSizeOverride string

	//go:embed image_header_size.text
	imageHeaderSizeOverride string
)

// telemetryCollector is environment-specific, with no sane default —
// unset means telemetry stays disabled.
var (
	//go:embed telemetry_collector.text
	telemetryCollector string
)

// TelemetryCollectorAddr returns the OTLP collector address from
// telemetry_collector.text ("host:port"). Telemetry bring-up is
// non-fatal on error: a device with no collector configured still
// boots firmware, it just runs without traces/metrics.
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(telemetryCollector))
}

func overrideUint32(raw string, def uint32) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %q is not a valid unsigned integer: %w", s, err)
	}
	return uint32(v), nil
}

// FlashBase is the address BOOT starts at, the default unless
// flash_base.text carries an override.
func FlashBase() (uint32, error) {
	return overrideUint32(flashBaseOverride, DefaultFlashBase)
}

// SectorSize is the flash device's erase/program granularity.
func SectorSize() (uint32, error) {
	return overrideUint32(sectorSizeOverride, DefaultSectorSize)
}

// PartitionSize is the size of BOOT and UPDATE, which must match.
func PartitionSize() (uint32, error) {
	return overrideUint32(partitionSizeOverride, DefaultPartitionSize)
}

// ImageHeaderSize is IMAGE_HEADER_SIZE, the fixed size reserved for the
// signed header at the start of every image.
func ImageHeaderSize() (uint32, error) {
	return overrideUint32(imageHeaderSizeOverride, DefaultImageHeaderSize)
}

// Layout derives the BOOT, UPDATE and SWAP partition descriptions from
// the board's configured geometry: BOOT immediately follows flashBase,
// UPDATE immediately follows BOOT, and the single-sector SWAP scratch
// region follows UPDATE.
func Layout() (boot, update, swap partition.Partition, headerSize uint32, err error) {
	base, err := FlashBase()
	if err != nil {
		return partition.Partition{}, partition.Partition{}, partition.Partition{}, 0, err
	}
	sectorSize, err := SectorSize()
	if err != nil {
		return partition.Partition{}, partition.Partition{}, partition.Partition{}, 0, err
	}
	partSize, err := PartitionSize()
	if err != nil {
		return partition.Partition{}, partition.Partition{}, partition.Partition{}, 0, err
	}
	headerSize, err = ImageHeaderSize()
	if err != nil {
		return partition.Partition{}, partition.Partition{}, partition.Partition{}, 0, err
	}

	boot = partition.Partition{Kind: partition.Boot, Base: base, Size: partSize, SectorSize: sectorSize}
	update = partition.Partition{Kind: partition.Update, Base: base + partSize, Size: partSize, SectorSize: sectorSize}
	swap = partition.Partition{Kind: partition.Swap, Base: base + 2*partSize, Size: sectorSize, SectorSize: sectorSize}

	for _, p := range []partition.Partition{boot, update, swap} {
		if err := p.Validate(); err != nil {
			return partition.Partition{}, partition.Partition{}, partition.Partition{}, 0, err
		}
	}
	return boot, update, swap, headerSize, nil
}
