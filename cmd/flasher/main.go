// Command flasher is the host-side counterpart of the debug console
// and OTA chunk receiver (console/console.go, transport/otatcp): a
// telnet-speaking client for status/trigger/success/reset/reboot, plus
// a "push" command that streams a signed image over otatcp's wire
// protocol and an "inspect" command that parses an image header
// without touching a device.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/wolfboot-go/secureboot/imgheader"
	"github.com/wolfboot-go/secureboot/transport/otamqtt"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConsolePort = "23"
	defaultOTAPort     = "4242"
	defaultTimeout     = 10 * time.Second
	readTimeout        = 5 * time.Second
	pushChunkSize      = 4096
)

func main() {
	loadEnvFile()

	host := flag.String("host", "", "Device IP address (required)")
	port := flag.String("port", defaultConsolePort, "Device console port")
	cmd := flag.String("cmd", "", "Single command to execute (interactive mode if empty)")
	password := flag.String("password", "", "Console password (or use SECUREBOOT_PASSWORD env var)")
	flag.Parse()

	if *host == "" {
		if flag.NArg() > 0 {
			*host = flag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}
	if *cmd == "" && flag.NArg() > 1 {
		*cmd = flag.Arg(1)
	}

	pass := getPassword(*password)

	if *cmd == "push" || (flag.NArg() > 1 && flag.Arg(1) == "push") {
		var imgPath string
		if flag.NArg() > 2 {
			imgPath = flag.Arg(2)
		} else {
			fmt.Println("Usage: flasher <ip> push <image.bin> [header-size]")
			os.Exit(1)
		}
		headerSize := uint32(256)
		if flag.NArg() > 3 {
			fmt.Sscanf(flag.Arg(3), "%d", &headerSize)
		}
		if err := push(*host, imgPath, headerSize, pass); err != nil {
			fmt.Fprintf(os.Stderr, "push failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "announce" {
		if flag.NArg() < 3 {
			fmt.Println("Usage: flasher announce <broker-addr> <message>")
			os.Exit(1)
		}
		if err := announce(flag.Arg(1), strings.Join(flag.Args()[2:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "announce failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "watch" {
		if flag.NArg() < 2 {
			fmt.Println("Usage: flasher watch <broker-addr> [duration]")
			os.Exit(1)
		}
		dur := 5 * time.Minute
		if flag.NArg() > 2 {
			if parsed, err := time.ParseDuration(flag.Arg(2)); err == nil {
				dur = parsed
			}
		}
		if err := watch(flag.Arg(1), dur); err != nil {
			fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *cmd == "inspect" || (flag.NArg() > 0 && flag.Arg(0) == "inspect") {
		var imgPath string
		if flag.NArg() > 1 {
			imgPath = flag.Arg(1)
		} else {
			fmt.Println("Usage: flasher inspect <image.bin> [header-size]")
			os.Exit(1)
		}
		headerSize := uint32(256)
		if flag.NArg() > 2 {
			fmt.Sscanf(flag.Arg(2), "%d", &headerSize)
		}
		if err := inspect(imgPath, headerSize); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	addr := net.JoinHostPort(*host, *port)
	if *cmd != "" {
		if err := runCommand(addr, *cmd, pass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if err := interactive(addr, pass); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("secureboot flasher")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  flasher <ip> [command]")
	fmt.Println("  flasher -host <ip> [-cmd <command>] [-password <pw>]")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Password can be provided via:")
	fmt.Println("    -password flag")
	fmt.Println("    SECUREBOOT_PASSWORD environment variable")
	fmt.Println("    .env file (SECUREBOOT_PASSWORD=...)")
	fmt.Println("    Interactive prompt")
	fmt.Println()
	fmt.Println("Console commands:")
	fmt.Println("  help status version trigger success reset reboot")
	fmt.Println("  ota-enable [dur] ota-disable ota-status")
	fmt.Println()
	fmt.Println("Image commands:")
	fmt.Println("  push <image.bin> [header-size]     Send a signed image over otatcp and trigger the update")
	fmt.Println("  inspect <image.bin> [header-size]  Parse an image header locally, no device needed")
	fmt.Println()
	fmt.Println("Fleet commands:")
	fmt.Println("  announce <broker-addr> <message>   Publish a rollout announcement to the fleet's MQTT broker")
	fmt.Println("  watch <broker-addr> [duration]      Print device boot-status acks as they arrive (default 5m)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  flasher 172.18.1.136                  # Interactive console")
	fmt.Println("  flasher 172.18.1.136 status            # Single command")
	fmt.Println("  flasher 172.18.1.136 push build.bin     # Push and trigger an update")
}

func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	response := make([]byte, 4096)
	n, _ := conn.Read(response)

	output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
	fmt.Println(output)
	return nil
}

func interactive(addr, password string) error {
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}

	fmt.Println("Connected! Type 'quit' or Ctrl+C to exit.")
	fmt.Println()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if _, err := conn.Write([]byte(input + "\r\n")); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		response := make([]byte, 4096)
		n, err := conn.Read(response)
		if err != nil {
			fmt.Println("Connection lost, reconnecting...")
			conn.Close()
			conn, err = net.DialTimeout("tcp", addr, defaultTimeout)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			if err := authenticate(conn, password); err != nil {
				return fmt.Errorf("reconnect auth failed: %w", err)
			}
			consumeUntilPrompt(conn)
			continue
		}

		output := strings.TrimSpace(strings.TrimSuffix(string(response[:n]), "> "))
		if output != "" {
			fmt.Println(output)
		}
	}
	return nil
}

// push reads a signed image file, parses its header locally (catching
// a malformed or oversized image before any bytes go over the wire),
// enables the device's otatcp window via the console, then streams
// the image to the otatcp port using its length-prefixed chunk
// protocol, finishing with a "DONE <sha256>" that both confirms
// integrity and calls bootstate.Machine.UpdateTrigger on the device.
func push(host, imgPath string, headerSize uint32, password string) error {
	data, err := os.ReadFile(imgPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if _, err := imgheader.Parse(data, headerSize); err != nil {
		return fmt.Errorf("image header invalid: %w", err)
	}

	hash := sha256.Sum256(data)
	fmt.Printf("Image: %s\n", imgPath)
	fmt.Printf("Size: %s (%d bytes)\n", humanize.Bytes(uint64(len(data))), len(data))
	fmt.Printf("SHA256: %x\n\n", hash[:8])

	if err := runCommand(net.JoinHostPort(host, defaultConsolePort), "ota-enable", password); err != nil {
		return fmt.Errorf("enable ota window: %w", err)
	}
	time.Sleep(500 * time.Millisecond)

	addr := net.JoinHostPort(host, defaultOTAPort)
	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to ota port: %w", err)
	}
	defer conn.Close()

	conn.Write([]byte("OTA\n"))
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	resp := make([]byte, 256)
	n, err := conn.Read(resp)
	if err != nil {
		return fmt.Errorf("no response from device: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(resp[:n])), "READY") {
		return fmt.Errorf("unexpected response: %s", string(resp[:n]))
	}

	totalChunks := (len(data) + pushChunkSize - 1) / pushChunkSize
	fmt.Printf("Sending %d chunks...\n", totalChunks)
	for i := 0; i < len(data); i += pushChunkSize {
		end := min(i+pushChunkSize, len(data))
		chunk := data[i:end]

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(chunk)))
		conn.Write(lenBuf)
		conn.Write(chunk)

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(resp)
		if err != nil {
			return fmt.Errorf("chunk %d: no ack: %w", i/pushChunkSize+1, err)
		}
		if !strings.HasPrefix(strings.TrimSpace(string(resp[:n])), "ACK") {
			return fmt.Errorf("chunk %d: bad response: %s", i/pushChunkSize+1, string(resp[:n]))
		}
		fmt.Printf("\r[%3d%%] chunk %d/%d", (end)*100/len(data), i/pushChunkSize+1, totalChunks)
	}
	fmt.Println()

	hashHex := fmt.Sprintf("%x", hash)
	fmt.Printf("Verifying (hash: %s)...\n", hashHex)
	conn.Write([]byte(fmt.Sprintf("DONE %s\n", hashHex)))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = conn.Read(resp)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if strings.TrimSpace(string(resp[:n])) != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", string(resp[:n]))
	}

	fmt.Println("Image verified and update triggered.")
	fmt.Println("Device will swap and test-boot the new image on its next reset.")
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// announce tells a fleet's MQTT broker a rollout is starting, before
// pushing firmware to any individual device over its console/otatcp.
func announce(brokerAddr, message string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clientID := fmt.Sprintf("flasher-announce-%d", time.Now().Unix())
	if err := otamqtt.Announce(brokerAddr, clientID, []byte(message), log); err != nil {
		return err
	}
	fmt.Printf("Announced to %s: %s\n", brokerAddr, message)
	return nil
}

// watch prints every device boot-status ack published to
// otamqtt.StatusTopic for the given duration, so an operator can see a
// fleet-wide rollout land without polling each device's console.
func watch(brokerAddr string, duration time.Duration) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clientID := fmt.Sprintf("flasher-watch-%d", time.Now().Unix())
	fmt.Printf("Watching %s for %s...\n", brokerAddr, duration)
	return otamqtt.Subscribe(brokerAddr, clientID, duration, func(payload []byte) {
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), string(payload))
	}, log)
}

// inspect parses an image file's header without touching any device —
// useful for validating a build artifact before a push.
func inspect(path string, headerSize uint32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hdr, err := imgheader.Parse(data, headerSize)
	if err != nil {
		return err
	}

	fmt.Printf("Image: %s\n", path)
	fmt.Printf("  File size: %s (%d bytes)\n", humanize.Bytes(uint64(len(data))), len(data))
	fmt.Printf("  Header size: %d bytes\n", headerSize)
	fmt.Printf("  Declared image size: %d bytes\n", hdr.ImageSize)
	fmt.Printf("  Version: %d\n", hdr.Version)
	fmt.Printf("  Timestamp: %d\n", hdr.Timestamp)
	fmt.Printf("  Image type: 0x%04x\n", hdr.ImgType)
	fmt.Printf("  SHA256: %x\n", hdr.SHA256)
	fmt.Printf("  Pubkey hint: %x\n", hdr.PubkeyHint[:8])
	fmt.Printf("  Signature length: %d bytes\n", len(hdr.Signature))
	return nil
}

// loadEnvFile loads environment variables from a .env file in the
// current directory.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getPassword resolves the console password: flag > env > .env
// (already loaded) > interactive prompt.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv("SECUREBOOT_PASSWORD"); envPass != "" {
		return envPass
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}

	promptStr := string(stripTelnetIAC(prompt[:n]))
	if !strings.Contains(strings.ToLower(promptStr), "password") {
		return fmt.Errorf("unexpected prompt: %s", promptStr)
	}

	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences.
// IAC = 0xFF, followed by a command byte and, for WILL/WONT/DO/DONT,
// an option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF {
			if i+1 >= len(data) {
				break // incomplete IAC at the end of data is dropped
			}
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// consumeUntilPrompt reads until the "> " prompt appears or timeout,
// so a freshly connected session's welcome banner doesn't get mixed
// into the next command's response.
func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	accumulated := ""
	deadline := time.Now().Add(readTimeout)

	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated += string(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated, "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
