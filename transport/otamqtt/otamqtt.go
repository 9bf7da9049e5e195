// Package otamqtt is the host-side fleet-announce leaf cmd/flasher
// uses to tell a fleet's MQTT broker "update available" before pushing
// firmware to any individual device, and to listen for device
// boot-status acks afterwards. It runs on the operator's machine over a
// plain net.Conn, not on the bootloader itself — nothing in
// bootstate/swapengine/trailer depends on it, keeping background
// network I/O out of the durable state machine.
package otamqtt

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const connectTimeout = 10 * time.Second

// StatusTopic is the topic Announce publishes to and Subscribe listens
// on for boot-status and rollout-progress messages. The bootloader
// firmware in this repository does not publish to it.
var StatusTopic = []byte("secureboot/status")

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Announce connects to brokerAddr over TCP, publishes payload to
// StatusTopic, and disconnects. Used by cmd/flasher to tell a fleet
// controller a push is starting, before it ever talks to the device's
// console.
func Announce(brokerAddr string, clientID string, payload []byte, log *slog.Logger) error {
	conn, err := net.DialTimeout("tcp", brokerAddr, connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := mqtt.NewClient(mqtt.ClientConfig{Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 256)}})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(clientID))

	conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := client.StartConnect(conn, &varconn); err != nil {
		return err
	}
	for i := 0; i < 50 && !client.IsConnected(); i++ {
		time.Sleep(50 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			return err
		}
	}
	if !client.IsConnected() {
		return errors.New("otamqtt: connect timeout")
	}

	pubVar := mqtt.VariablesPublish{TopicName: StatusTopic, PacketIdentifier: uint16(rand.Uint32())}
	if err := client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		return err
	}
	client.HandleNext()
	client.Disconnect(errors.New("announce complete"))
	log.Info("otamqtt:announced", slog.Int("bytes", len(payload)), slog.String("broker", brokerAddr))
	return nil
}

// Subscribe connects to brokerAddr and delivers every StatusTopic
// message to onMsg until duration elapses or the connection drops.
// Used by cmd/flasher's "watch" command to show device acks live
// during a fleet-wide rollout.
func Subscribe(brokerAddr, clientID string, duration time.Duration, onMsg func(payload []byte), log *slog.Logger) error {
	conn, err := net.DialTimeout("tcp", brokerAddr, connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	var mu sync.Mutex
	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
			if string(varPub.TopicName) != string(StatusTopic) {
				return nil
			}
			buf := make([]byte, 1024)
			n, err := r.Read(buf)
			if err != nil && err != io.EOF {
				return err
			}
			mu.Lock()
			onMsg(buf[:n])
			mu.Unlock()
			return nil
		},
	})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(clientID))
	conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := client.StartConnect(conn, &varconn); err != nil {
		return err
	}
	for i := 0; i < 50 && !client.IsConnected(); i++ {
		time.Sleep(50 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			return err
		}
	}
	if !client.IsConnected() {
		return errors.New("otamqtt: connect timeout")
	}

	sub := mqtt.VariablesSubscribe{TopicFilters: []mqtt.SubscribeRequest{{TopicFilter: StatusTopic, QoS: mqtt.QoS0}}}
	sub.PacketIdentifier = uint16(rand.Uint32())
	if err := client.StartSubscribe(sub); err != nil {
		return err
	}
	log.Info("otamqtt:subscribed", slog.String("topic", string(StatusTopic)))

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		if err := client.HandleNext(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
	}
	client.Disconnect(errors.New("watch complete"))
	return nil
}
