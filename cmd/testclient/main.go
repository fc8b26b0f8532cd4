package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

// Joins a session group and prints everything the relay sends to it.
func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Relay websocket URL")
	groupKey := flag.String("group", "", "Session group key to follow")
	flag.Parse()

	if *groupKey == "" {
		log.Fatal("-group is required")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Println("Connected to server")

	if err := conn.WriteJSON(map[string]string{"type": "joinSession", "sessionGroupKey": *groupKey}); err != nil {
		log.Fatalf("failed to join: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var n map[string]any
		if err := conn.ReadJSON(&n); err != nil {
			log.Printf("connection closed: %v", err)
			return
		}
		log.Printf("%v: %v", n["type"], n["payload"])
	}
}
