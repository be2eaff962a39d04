package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/service/wallet"
)

func dial(t *testing.T, b *bus.Bus) *websocket.Conn {
	t.Helper()
	srv := NewServer(b, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_StreamsDiffFrames(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	conn := dial(t, b)

	// The subscription is registered during the upgrade handler; give the
	// server a beat before publishing.
	time.Sleep(50 * time.Millisecond)

	gold := uint32(750)
	b.Publish(wallet.Diff{Gold: &gold})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	if f.Topic != bus.TopicWallet || f.Seq != 1 {
		t.Fatalf("frame = %+v", f)
	}
	var d struct {
		Gold *uint32
	}
	if err := json.Unmarshal(f.Payload, &d); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if d.Gold == nil || *d.Gold != 750 {
		t.Fatalf("payload gold = %v", d.Gold)
	}
}

func TestHandler_SequencesAcrossTopics(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	conn := dial(t, b)
	time.Sleep(50 * time.Millisecond)

	gold := uint32(1)
	b.Publish(wallet.Diff{Gold: &gold})
	b.Publish(wallet.Diff{Gold: &gold})

	for want := uint64(1); want <= 2; want++ {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("frame decode: %v", err)
		}
		if f.Seq != want {
			t.Fatalf("seq = %d want %d", f.Seq, want)
		}
	}
}
