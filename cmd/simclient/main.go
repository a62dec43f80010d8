// Command simclient is a minimal software-only stand-in for an operator
// client: it dials a relayserver's client endpoint, requests the device
// list, connects to a target device, and prints forwarded telemetry and
// command-status frames.
//
// Grounded on the teacher's cmd/client/main.go CLI shape and
// original_source/server's client-side wire catalog.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	server := flag.String("server", "ws://localhost:8000", "relayserver base URL")
	clientID := flag.String("id", "c1", "client id")
	deviceID := flag.String("device", "d1", "device id to connect to")
	flag.Parse()

	u, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("simclient: invalid -server: %v", err)
	}
	u.Path = "/ws/client/" + *clientID

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("simclient: dial %s: %v", u.String(), err)
	}
	defer conn.Close()
	log.Printf("simclient %s connected to %s", *clientID, u.String())

	if err := writeJSON(conn, map[string]interface{}{"type": "devices_list"}); err != nil {
		log.Fatalf("simclient: request devices_list: %v", err)
	}
	if err := writeJSON(conn, map[string]interface{}{"type": "connect_device", "deviceId": *deviceID}); err != nil {
		log.Fatalf("simclient: connect_device: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("simclient %s: connection closed: %v", *clientID, err)
				return
			}
			var frame map[string]interface{}
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			switch frame["type"] {
			case "ping":
				_ = writeJSON(conn, map[string]interface{}{"type": "pong", "timestamp": time.Now().UnixMilli()})
			default:
				log.Printf("simclient %s received: %s", *clientID, raw)
			}
		}
	}()

	select {
	case <-stop:
		log.Printf("simclient %s shutting down", *clientID)
	case <-done:
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
