// Command signal-client-go is a scriptable WebSocket client for end-to-end
// smoke tests against a running relay. It connects, performs one action, and
// prints every message the relay sends as a JSON line on stdout, so shell
// test harnesses can assert on the output.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/websocket"
)

func main() {
	wsURL := envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8080/signal")
	origin := envOrDefault("RELAY_WS_ORIGIN", "http://127.0.0.1")
	action := envOrDefault("ACTION", "join")

	ws, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer ws.Close()

	var first map[string]any
	switch action {
	case "join":
		first = map[string]any{
			"type":   "join",
			"roomId": envOrDefault("ROOM_ID", "smoke"),
			"userId": envOrDefault("USER_ID", "smoke-client"),
		}
	case "rooms":
		first = map[string]any{"type": "get-rooms"}
	case "config":
		first = map[string]any{"type": "get-config"}
	default:
		fmt.Fprintf(os.Stderr, "unsupported ACTION=%s\n", action)
		os.Exit(2)
	}

	raw, err := json.Marshal(first)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}
	if err := websocket.Message.Send(ws, string(raw)); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("READY")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			fmt.Println(msg)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		_ = ws.Close()
		<-done
	case <-done:
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
