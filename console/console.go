//go:build tinygo

// Package console runs a debug telnet console on the bootloader leaf,
// exposing the host-facing bootstate procedure calls (§6) — status,
// current_firmware_version, update_trigger, success — over a tiny
// authenticated TCP line protocol with the same telnet/lockout
// machinery as the board's other network leaves.
package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/wolfboot-go/secureboot/bootstate"
	"github.com/wolfboot-go/secureboot/credentials"
	"github.com/wolfboot-go/secureboot/hal"
	"github.com/wolfboot-go/secureboot/transport/otatcp"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	Port           = uint16(23) // Telnet port
	consoleBufSize = 256
)

// Server runs the debug console against a single bootstate.Machine.
// OTA is optional: a Server with a nil OTA still serves status/version/
// trigger/success/reset/reboot, just not the ota-* commands.
type Server struct {
	Machine *bootstate.Machine
	OTA     *otatcp.Server
	Log     *slog.Logger

	rxBuf, txBuf, cmdBuf [consoleBufSize]byte

	authFailures    int
	lastFailureTime time.Time
	startTime       time.Time
}

const (
	cmdHelp       = "help"
	cmdStatus     = "status"
	cmdVersion    = "version"
	cmdTrigger    = "trigger"
	cmdSuccess    = "success"
	cmdReset      = "reset"
	cmdReboot     = "reboot"
	cmdOTAEnable  = "ota-enable"
	cmdOTADisable = "ota-disable"
	cmdOTAStatus  = "ota-status"
)

// Run serves the console on stack, blocking until the process exits —
// in practice, forever. A panic inside one session is recovered so it
// can't take down the rest of the firmware.
func (s *Server) Run(stack *xnet.StackAsync) {
	s.startTime = time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: s.rxBuf[:], TxBuf: s.txBuf[:], TxPacketQueueSize: 3}); err != nil {
		s.Log.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), Port)
	s.Log.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if lockout := s.lockoutDuration(); lockout > 0 && time.Since(s.lastFailureTime) < lockout {
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, Port); err != nil {
			s.Log.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		s.Log.Info("console:connected")
		if !s.authenticate(&conn) {
			s.Log.Info("console:auth-failed", slog.Int("failures", s.authFailures))
			conn.Close()
			conn.Abort()
			continue
		}
		s.Log.Info("console:authenticated")

		write(&conn, "secureboot debug console\r\nType 'help' for commands\r\n> ")
		conn.Flush()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.Log.Error("console:session-panic")
				}
			}()
			s.handleSession(&conn)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		s.Log.Info("console:disconnected")
	}
}

func (s *Server) handleSession(conn *tcp.Conn) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(s.cmdBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				if cmdLen > 0 {
					s.process(conn, s.cmdBuf[:cmdLen])
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
			} else if b >= 32 && b < 127 {
				s.cmdBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}
		if cmdLen >= len(s.cmdBuf)-1 {
			cmdLen = 0
			write(conn, "\r\nLine too long\r\n> ")
			conn.Flush()
		}
	}
}

func (s *Server) process(conn *tcp.Conn, cmd []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("console:command-panic")
		}
	}()

	switch string(cmd) {
	case cmdHelp:
		write(conn, "Commands: help status version trigger success reset reboot ota-enable ota-disable ota-status\r\n")

	case cmdStatus:
		write(conn, "Uptime: ")
		writeUptime(conn, s.startTime)
		write(conn, "\r\n")

	case cmdVersion:
		v, err := s.Machine.CurrentFirmwareVersion()
		if err != nil {
			write(conn, "BOOT has no current firmware: "+err.Error()+"\r\n")
			break
		}
		write(conn, "Version: ")
		writeInt(conn, int(v))
		write(conn, "\r\n")

	case cmdTrigger:
		if err := s.Machine.UpdateTrigger(); err != nil {
			write(conn, "trigger failed: "+err.Error()+"\r\n")
			break
		}
		write(conn, "update triggered\r\n")

	case cmdSuccess:
		if err := s.Machine.Success(); err != nil {
			write(conn, "success failed: "+err.Error()+"\r\n")
			break
		}
		write(conn, "BOOT confirmed\r\n")

	case cmdReset:
		err := s.Machine.Reset()
		switch {
		case err == nil:
			write(conn, "reset: BOOT holds a verified image\r\n")
		case errors.Is(err, bootstate.ErrRollbackTriggered):
			write(conn, "reset: rolled back to the previous BOOT image\r\n")
		default:
			write(conn, "reset: "+err.Error()+"\r\n")
		}

	case cmdReboot:
		rebooter, ok := s.Machine.Device.(hal.Rebooter)
		if !ok {
			write(conn, "reboot unsupported on this device\r\n")
			break
		}
		write(conn, "rebooting...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		rebooter.Reboot()

	case cmdOTAEnable:
		if s.OTA == nil {
			write(conn, "ota transport not configured\r\n")
			break
		}
		s.OTA.Enable(0)
		write(conn, "ota transfer window open\r\n")

	case cmdOTADisable:
		if s.OTA == nil {
			write(conn, "ota transport not configured\r\n")
			break
		}
		s.OTA.Disable()
		write(conn, "ota transfer window closed\r\n")

	case cmdOTAStatus:
		if s.OTA == nil {
			write(conn, "ota transport not configured\r\n")
			break
		}
		if s.OTA.IsEnabled() {
			write(conn, "ota: enabled\r\n")
		} else {
			write(conn, "ota: disabled\r\n")
		}

	default:
		write(conn, "Unknown command: ")
		conn.Write(cmd)
		write(conn, "\r\nType 'help' for commands\r\n")
	}
	conn.Flush()
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

func (s *Server) authenticate(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	write(conn, "Password: ")
	conn.Flush()

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		write(conn, "\r\n")
		conn.Flush()
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(passBuf[:passLen], expected) == 1 {
					s.authFailures = 0
					return true
				}
				s.authFailures++
				s.lastFailureTime = time.Now()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}
		if passLen >= len(passBuf)-1 {
			restoreEcho()
			s.authFailures++
			s.lastFailureTime = time.Now()
			return false
		}
	}
	restoreEcho()
	s.authFailures++
	s.lastFailureTime = time.Now()
	return false
}

// lockoutDuration scales with repeated failures, a brute-force
// backoff.
func (s *Server) lockoutDuration() time.Duration {
	switch {
	case s.authFailures >= 10:
		return 5 * time.Minute
	case s.authFailures >= 5:
		return 30 * time.Second
	case s.authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

func write(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func writeUptime(conn *tcp.Conn, since time.Time) {
	d := time.Since(since)
	writeInt(conn, int(d.Hours()))
	conn.Write([]byte("h "))
	writeInt(conn, int(d.Minutes())%60)
	conn.Write([]byte("m "))
	writeInt(conn, int(d.Seconds())%60)
	conn.Write([]byte("s"))
}
