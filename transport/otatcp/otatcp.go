//go:build tinygo

// Package otatcp is the thin network leaf that receives a firmware
// image over a private TCP port and writes it into the UPDATE
// partition through hal.Device: a host writes a new image into the
// UPDATE partition, then the image's state becomes UPDATING. It is
// deliberately dumb: no signature checking, no partition-table
// bookkeeping. Once the transfer's SHA-256 matches, it calls
// bootstate.Machine.UpdateTrigger and lets the boot state machine do
// the real work on the next reset.
package otatcp

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wolfboot-go/secureboot/bootstate"
	"github.com/wolfboot-go/secureboot/hal"
	"github.com/wolfboot-go/secureboot/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	// Port is the private TCP port the chunk receiver listens on,
	// kept off the telnet console's port so a firmware push can't be
	// confused with a debug session.
	Port = uint16(4242)

	defaultTimeout = 10 * time.Minute
	chunkBufSize   = 4096 + 64
)

// Server accepts one firmware transfer at a time into machine.Update's
// payload region, then calls UpdateTrigger. It never touches BOOT.
type Server struct {
	Machine *bootstate.Machine
	Log     *slog.Logger

	mu        sync.Mutex
	enabled   bool
	enabledAt time.Time
	timeout   time.Duration

	rxBuf, txBuf [chunkBufSize]byte
	chunk        [chunkBufSize]byte
}

// Enable opens the transfer window for d (or a 10 minute default).
// Disabled by default: a device ships with the port closed until an
// operator deliberately arms it, narrowing the window an unauthenticated
// TCP listener is exposed.
func (s *Server) Enable(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == 0 {
		d = defaultTimeout
	}
	s.enabled = true
	s.enabledAt = time.Now()
	s.timeout = d
}

// Disable closes the transfer window immediately.
func (s *Server) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// IsEnabled reports whether a transfer may currently proceed,
// auto-expiring the window after its timeout.
func (s *Server) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	if time.Since(s.enabledAt) > s.timeout {
		s.enabled = false
		return false
	}
	return true
}

// Run serves the chunk receiver on stack, blocking forever. It only
// accepts a connection while Enable has been called and the window
// hasn't expired.
func (s *Server) Run(stack *xnet.StackAsync) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("otatcp:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: s.rxBuf[:], TxBuf: s.txBuf[:], TxPacketQueueSize: 2}); err != nil {
		s.Log.Error("otatcp:configure-failed", slog.String("err", err.Error()))
		return
	}
	s.Log.Info("otatcp:ready", slog.Int("port", int(Port)))

	for {
		for !s.IsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := stack.ListenTCP(&conn, Port); err != nil {
			s.Log.Error("otatcp:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && s.IsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !s.IsEnabled() || !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		s.Log.Info("otatcp:connected")
		span := telemetry.StartBootSpan("otatcp.transfer")
		ok, statusMsg := false, "session-panic"
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.Log.Error("otatcp:session-panic")
				}
			}()
			ok, statusMsg = s.handleSession(&conn)
		}()
		telemetry.EndBootSpan(span, ok, statusMsg)

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		s.Disable()
		s.Log.Info("otatcp:disconnected")
	}
}

// handleSession drives a single transfer: "OTA\n" to begin, then a
// stream of (len:u32 LE, payload) chunks, terminated by "DONE
// <sha256-hex>\n". Every byte lands directly at
// machine.Update.Base+offset; step A of the swap only ever moves
// bytes, it never trusts their content, so writing straight into
// UPDATE's payload (not a staging buffer) is safe — verification
// happens once, authoritatively, inside bootstate.Reset.
// handleSession returns whether the transfer completed and verified
// successfully, plus a short status describing the outcome — attached to
// the enclosing span so a collector can distinguish a clean transfer from
// a hash mismatch, an oversized chunk, or a flash write failure.
func (s *Server) handleSession(conn *tcp.Conn) (bool, string) {
	upd := s.Machine.Update
	dev := s.Machine.Device
	totalSectors := upd.PayloadSize() / upd.SectorSize

	var line [128]byte
	n, err := readLine(conn, line[:], 10*time.Second)
	if err != nil || string(line[:min(n, 3)]) != "OTA" {
		s.Log.Error("otatcp:bad-init")
		return false, "bad-init"
	}
	write(conn, "READY\n")
	conn.Flush()

	var hdr [4]byte
	var totalBytes uint32
	hasher := sha256.New()
	erased := make(map[uint32]bool)

	for {
		if err := readExactly(conn, hdr[:], 30*time.Second); err != nil {
			s.Log.Error("otatcp:read-timeout", slog.String("err", err.Error()))
			return false, "read-timeout"
		}
		if string(hdr[:]) == "DONE" {
			n, _ := readLine(conn, line[:], 2*time.Second)
			expected := trimSpace(string(line[:n]))
			actual := hex.EncodeToString(hasher.Sum(nil))
			if expected != actual {
				write(conn, "ERROR hash mismatch\n")
				conn.Flush()
				s.Log.Error("otatcp:hash-mismatch")
				return false, "hash-mismatch"
			}

			if err := s.Machine.UpdateTrigger(); err != nil {
				write(conn, "ERROR "+err.Error()+"\n")
				conn.Flush()
				s.Log.Error("otatcp:trigger-failed", slog.String("err", err.Error()))
				return false, "trigger-failed"
			}
			write(conn, "VERIFIED\n")
			conn.Flush()
			s.Log.Info("otatcp:complete", slog.Int("bytes", int(totalBytes)))
			return true, "verified"
		}

		chunkLen := binary.LittleEndian.Uint32(hdr[:])
		if chunkLen > uint32(len(s.chunk)) || uint64(totalBytes)+uint64(chunkLen) > uint64(upd.PayloadSize()) {
			write(conn, "ERROR chunk exceeds UPDATE partition\n")
			conn.Flush()
			s.Log.Error("otatcp:oversized-chunk")
			return false, "oversized-chunk"
		}
		if err := readExactly(conn, s.chunk[:chunkLen], 30*time.Second); err != nil {
			s.Log.Error("otatcp:chunk-read-failed", slog.String("err", err.Error()))
			return false, "chunk-read-failed"
		}
		hasher.Write(s.chunk[:chunkLen])

		startSector := totalBytes / upd.SectorSize
		endSector := (totalBytes + chunkLen - 1) / upd.SectorSize
		for sec := startSector; sec <= endSector; sec++ {
			if erased[sec] {
				continue
			}
			addr := upd.Base + sec*upd.SectorSize
			if err := hal.WithUnlock(dev, func() error { return dev.Erase(addr, upd.SectorSize) }); err != nil {
				write(conn, "ERROR erase failed\n")
				conn.Flush()
				s.Log.Error("otatcp:erase-failed", slog.Uint64("sector", uint64(sec)), slog.String("err", err.Error()))
				return false, "erase-failed"
			}
			erased[sec] = true
		}

		addr := upd.Base + totalBytes
		if err := hal.WithUnlock(dev, func() error { return dev.Write(addr, s.chunk[:chunkLen]) }); err != nil {
			write(conn, "ERROR write failed\n")
			conn.Flush()
			s.Log.Error("otatcp:write-failed", slog.String("err", err.Error()))
			return false, "write-failed"
		}
		totalBytes += chunkLen
		telemetry.RecordSwapProgress(totalBytes/upd.SectorSize, totalSectors)

		write(conn, "ACK\n")
		conn.Flush()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func write(conn *tcp.Conn, s string) { conn.Write([]byte(s)) }

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

func readLine(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return total, io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return total, err
		}
		if n > 0 {
			total += n
			if buf[total-1] == '\n' {
				return total, nil
			}
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
	if total == 0 {
		return 0, errors.New("otatcp: timeout")
	}
	return total, nil
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			total += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if total < len(buf) {
		return errors.New("otatcp: timeout")
	}
	return nil
}
