// Command simdevice is a minimal software-only stand-in for a boat
// device: it dials a relayserver's device endpoint, emits synthetic
// telemetry on an interval, answers pings, and acknowledges commands
// after a configurable delay.
//
// Grounded on the teacher's cmd/client/main.go (flag-based CLI dialing a
// signaling server) and original_source/server's telemetry/command wire
// shapes.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	server := flag.String("server", "ws://localhost:8000", "relayserver base URL")
	deviceID := flag.String("id", "d1", "device id")
	interval := flag.Duration("telemetry-interval", 2*time.Second, "telemetry send interval")
	ackDelay := flag.Duration("ack-delay", 200*time.Millisecond, "delay before acknowledging a command")
	flag.Parse()

	u, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("simdevice: invalid -server: %v", err)
	}
	u.Path = "/ws/device/" + *deviceID

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("simdevice: dial %s: %v", u.String(), err)
	}
	defer conn.Close()
	log.Printf("simdevice %s connected to %s", *deviceID, u.String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go readLoop(conn, *ackDelay, done)

	lat, lon := 37.7749, -122.4194
	var sequence int64

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			log.Printf("simdevice %s shutting down", *deviceID)
			return
		case <-done:
			log.Printf("simdevice %s connection closed by relay", *deviceID)
			return
		case <-ticker.C:
			sequence++
			lat += (rand.Float64() - 0.5) * 0.0005
			lon += (rand.Float64() - 0.5) * 0.0005
			frame := map[string]interface{}{
				"type":        "telemetry",
				"subtype":     "sensor_data",
				"sequence":    sequence,
				"timestamp":   time.Now().UnixMilli(),
				"system_time": time.Now().UnixMilli(),
				"data": map[string]interface{}{
					"gps": map[string]interface{}{"latitude": lat, "longitude": lon},
				},
			}
			if err := writeJSON(conn, frame); err != nil {
				log.Printf("simdevice %s: send telemetry: %v", *deviceID, err)
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, ackDelay time.Duration, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame["type"] {
		case "ping":
			_ = writeJSON(conn, map[string]interface{}{"type": "pong", "timestamp": time.Now().UnixMilli()})
		case "command":
			commandID, _ := frame["command_id"].(string)
			go func() {
				time.Sleep(ackDelay)
				_ = writeJSON(conn, map[string]interface{}{
					"type": "command_ack", "command_id": commandID, "status": "success",
				})
			}()
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
