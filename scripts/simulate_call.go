package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type control struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// simulate_call plays a raw 16kHz mono PCM16 file into a running server
// and acknowledges playback like the browser client would.
func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	username := flag.String("user", "", "username to call as")
	variant := flag.String("variant", "default", "client variant")
	input := flag.String("pcm", "", "raw PCM16 file to stream after the greeting")
	frame := flag.Int("frame_bytes", 3200, "bytes per audio message")
	flag.Parse()
	if *username == "" {
		fmt.Println("usage: simulate_call -user=alice [-pcm=hello.raw] [-addr=localhost:8080]")
		os.Exit(1)
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/speech/" + *username + "/" + *variant + "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	var pcm []byte
	if *input != "" {
		if pcm, err = os.ReadFile(*input); err != nil {
			fmt.Println("read error:", err)
			os.Exit(1)
		}
	}

	outbound := make(chan control, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var received int
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					fmt.Printf("closed: code=%d reason=%q received_audio_bytes=%d\n", ce.Code, ce.Text, received)
				} else {
					fmt.Println("read error:", err)
				}
				return
			}
			if kind == websocket.BinaryMessage {
				if received == 0 {
					outbound <- control{Type: "audio_started"}
				}
				received += len(data)
				continue
			}
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Println("bad control:", string(data))
				continue
			}
			fmt.Printf("control: %s %s\n", msg.Type, msg.Message)
			if msg.Type == "stop_audio" {
				received = 0
				outbound <- control{Type: "audio_cleanup"}
			}
		}
	}()

	if err := conn.WriteJSON(control{Type: "ready_for_streaming"}); err != nil {
		fmt.Println("write error:", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// PCM is paced at real time: frame_bytes / 32000 seconds per message.
	pace := time.Duration(*frame) * time.Second / 32000
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	settle := time.NewTimer(3 * time.Second)
	defer settle.Stop()
	streaming := false
	for {
		select {
		case <-done:
			return
		case msg := <-outbound:
			if err := conn.WriteJSON(msg); err != nil {
				fmt.Println("write error:", err)
				return
			}
		case <-settle.C:
			// The greeting has had time to play.
			_ = conn.WriteJSON(control{Type: "audio_done"})
			streaming = true
		case <-ticker.C:
			if !streaming {
				continue
			}
			// Silence once the file runs out, so the silence watchdog can fire.
			chunk := make([]byte, *frame)
			if len(pcm) > 0 {
				n := copy(chunk, pcm)
				pcm = pcm[n:]
				chunk = chunk[:n]
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				fmt.Println("write error:", err)
				return
			}
		case <-interrupt:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
