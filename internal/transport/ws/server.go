// Package ws is the local UI gateway: one websocket per presentation client,
// streaming the bus's diff notifications as JSON frames. The feed is
// outbound-only; the read loop exists to notice pings and disconnects, never
// to accept mutations.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"nekocrawl.dev/internal/bus"
)

// Frame is one outbound message. Seq increases per connection so a client can
// notice dropped frames (a gap means it should reconnect and reload).
type Frame struct {
	Topic   bus.Topic       `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	outQueue     = 64
)

type Server struct {
	bus *bus.Bus
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(b *bus.Bus, logger *log.Logger) *Server {
	return &Server{
		bus: b,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local UI only
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan Frame, outQueue)

		// One subscription per topic; a full queue means the client fell too
		// far behind to be worth buffering for, so it gets disconnected.
		var subs []*bus.Subscription
		for _, topic := range bus.Topics() {
			subs = append(subs, s.bus.Subscribe(topic, func(n bus.Notification) {
				payload, err := json.Marshal(n)
				if err != nil {
					s.log.Printf("ws: encode %s diff: %v", n.Topic(), err)
					return
				}
				select {
				case out <- Frame{Topic: n.Topic(), Payload: payload}:
				default:
					s.log.Printf("ws: client too slow on %s, dropping connection", n.Topic())
					cancel()
				}
			}))
		}
		defer func() {
			for _, sub := range subs {
				sub.Cancel()
			}
		}()

		// Writer goroutine; assigns the wire sequence so it is strictly
		// increasing in send order.
		go func() {
			var seq uint64
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-out:
					seq++
					f.Seq = seq
					b, err := json.Marshal(f)
					if err != nil {
						s.log.Printf("ws: encode frame: %v", err)
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: inbound payloads are ignored, only liveness matters.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}
}
