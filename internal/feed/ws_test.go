package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestStopWaitsForReadLoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		ctx := r.Context()
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()
		for {
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"heartbeat"}`)); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}))
	t.Cleanup(server.Close)

	var frames atomic.Int64
	handler := func([]byte) error {
		frames.Add(1)
		return nil
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(context.Background(), wsURL, []string{"MON-USDC"}, time.Second, handler, nil)
	if err := client.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no frames delivered before deadline")
		}
		time.Sleep(time.Millisecond)
	}

	client.Stop()
	seen := frames.Load()
	time.Sleep(20 * time.Millisecond)
	if got := frames.Load(); got != seen {
		t.Fatalf("handler ran %d more times after Stop returned", got-seen)
	}
}

func TestStopWithoutStartReturns(t *testing.T) {
	client := NewClient(context.Background(), "ws://127.0.0.1:1", nil, time.Second, nil, nil)

	finished := make(chan struct{})
	go func() {
		client.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("Stop must not block when Start was never called")
	}
}
