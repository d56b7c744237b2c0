// Package main implements a mock turtle binary that speaks the TaaS
// firmware protocol over WebSocket. It simulates a turtle in deterministic
// terrain so routines can be exercised end to end without a game server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/pkg/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/ws", "orchestrator websocket endpoint")
		id      = flag.Int("id", 1, "computer id to announce")
		x       = flag.Int("x", 0, "start x")
		y       = flag.Int("y", 70, "start y")
		z       = flag.Int("z", 0, "start z")
		fuel    = flag.Int("fuel", 20000, "initial fuel level")
		noGPS   = flag.Bool("no-gps", false, "answer gps.locate() with nil")
		latency = flag.Duration("latency", 50*time.Millisecond, "simulated reply latency")
		once    = flag.Bool("once", false, "exit when the connection drops instead of reconnecting")
	)
	flag.Parse()

	log := logger.Default().WithFields(zap.Int("turtle_id", *id))

	for {
		w := newWorld(*x, *y, *z, *fuel, !*noGPS)
		if err := serve(*url, *id, *latency, w, log); err != nil {
			log.Warn("connection lost", zap.Error(err))
		}
		if *once {
			return
		}
		// Real firmware reboots and redials after a socket loss.
		time.Sleep(3 * time.Second)
	}
}

// serve runs one connection lifetime: dial, hello, answer commands until
// the socket dies.
func serve(url string, id int, latency time.Duration, w *world, log *logger.Logger) error {
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	hello, err := json.Marshal(protocol.Hello{Type: protocol.HelloType, ComputerID: &id})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	log.Info("connected", zap.String("url", url))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == "" {
			log.Warn("ignoring malformed frame", zap.ByteString("frame", data))
			continue
		}

		time.Sleep(latency)
		ok, value := w.eval(cmd.Command)
		reply := protocol.Reply{
			InReplyTo: protocol.FlexID(cmd.ID),
			OK:        ok,
			Value:     value,
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-turtle: marshal reply: %v\n", err)
			continue
		}
		if err := conn.WriteMessage(gorillaws.TextMessage, payload); err != nil {
			return err
		}
		log.Debug("answered command",
			zap.String("command", cmd.Command),
			zap.ByteString("value", value))
	}
}
