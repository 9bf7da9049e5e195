//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"errors"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"github.com/wolfboot-go/secureboot/bootstate"
	"github.com/wolfboot-go/secureboot/config"
	"github.com/wolfboot-go/secureboot/console"
	"github.com/wolfboot-go/secureboot/credentials"
	"github.com/wolfboot-go/secureboot/hal/mcuflash"
	"github.com/wolfboot-go/secureboot/keystore"
	"github.com/wolfboot-go/secureboot/telemetry"
	"github.com/wolfboot-go/secureboot/transport/otatcp"
	"github.com/wolfboot-go/secureboot/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// systemHealthy gates the watchdog feed: once false the watchdog is
// left to starve and reset the board.
var systemHealthy = true

// fatalError stops feeding the watchdog and waits for it to fire; if it
// doesn't within the grace window, falls back to a direct reboot.
func fatalError(dev *mcuflash.Device, msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog timeout - forcing reboot...")
	dev.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  secureboot")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR(8): suppress routine network-stack noise
	}))

	dev := mcuflash.New()

	boot, update, swap, headerSize, err := config.Layout()
	if err != nil {
		logger.Error("config:layout-invalid", slog.String("err", err.Error()))
		fatalError(dev, "invalid flash layout - waiting for reset...")
	}
	ks, err := keystore.Load()
	if err != nil {
		logger.Error("keystore:load-failed", slog.String("err", err.Error()))
		fatalError(dev, "keystore load failed - waiting for reset...")
	}

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	bm, err := bootstate.New(dev, boot, update, swap, headerSize, ks, logger)
	if err != nil {
		logger.Error("bootstate:construct-failed", slog.String("err", err.Error()))
		fatalError(dev, "boot state machine init failed - waiting for reset...")
	}

	// The boot state machine's Reset is the bootloader's entire reason
	// for existing: verify -> swap -> test-boot BOOT, or roll back. A
	// rollback is not a failure — it just means this boot is running
	// the previous image instead of the candidate. The network stack (and
	// therefore telemetry) doesn't exist yet at this point, so the boot
	// event is recorded locally and reported once telemetry comes up below.
	var bootEvent string
	switch err := bm.Reset(); {
	case err == nil:
		v, _ := bm.CurrentFirmwareVersion()
		logger.Info("boot:verified", slog.Uint64("version", uint64(v)))
		bootEvent = "verified"
	case errors.Is(err, bootstate.ErrRollbackTriggered):
		logger.Warn("boot:rolled-back")
		bootEvent = "rolled-back"
	case errors.Is(err, bootstate.ErrNoBootableImage):
		logger.Error("boot:no-bootable-image", slog.String("err", err.Error()))
		fatalError(dev, "no bootable image - waiting for reset...")
	default:
		logger.Error("boot:reset-failed", slog.String("err", err.Error()))
		fatalError(dev, "boot reset failed - waiting for reset...")
	}

	feedWatchdogIfHealthy()

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "secureboot",
			MaxTCPPorts: 2, // debug console + OTA chunk receiver
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError(dev, "wifi setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError(dev, "dhcp failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	} else if bootEvent != "" {
		telemetry.RecordBootEvent("BOOT", bootEvent)
	}

	otaSrv := &otatcp.Server{Machine: bm, Log: logger}
	go otaSrv.Run(stack)

	consoleSrv := &console.Server{Machine: bm, OTA: otaSrv, Log: logger}
	go consoleSrv.Run(stack)

	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("addr", dhcpResults.AssignedAddr.String()),
	)

	for {
		feedWatchdogIfHealthy()
		time.Sleep(5 * time.Second)
	}
}

// loopForeverStack pumps the network stack's send/receive loop in the
// background, feeding the watchdog periodically so console/otatcp
// activity alone doesn't starve it.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
