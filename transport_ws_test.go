package activitysync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestCollector wraps the test server so Close also tears down upgraded
// websocket connections, which httptest stops tracking once hijacked.
type wsTestCollector struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (c *wsTestCollector) Close() {
	c.mu.Lock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
	c.mu.Unlock()
	c.Server.Close()
}

// wsCollector is a minimal collector endpoint speaking the batch/ack framing.
func wsCollector(t *testing.T, ack func(batch UploadBatch) wsAck) *wsTestCollector {
	t.Helper()
	upgrader := websocket.Upgrader{}
	c := &wsTestCollector{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		for {
			var batch UploadBatch
			if err := conn.ReadJSON(&batch); err != nil {
				return
			}
			if err := conn.WriteJSON(ack(batch)); err != nil {
				return
			}
		}
	}))
	return c
}

func wsURL(srv *wsTestCollector) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransportUpload(t *testing.T) {
	var gotNode string
	srv := wsCollector(t, func(batch UploadBatch) wsAck {
		gotNode = batch.NodeID
		return wsAck{OK: true}
	})
	defer srv.Close()

	tr := NewWebSocketTransport("node-1", SyncConfig{
		CollectorURL:  wsURL(srv),
		UploadTimeout: 5 * time.Second,
	})
	defer tr.Close()

	if err := tr.Upload(context.Background(), testBatch()); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if gotNode != "node-1" {
		t.Errorf("collector saw node id %s", gotNode)
	}

	// The connection is reused across uploads.
	if err := tr.Upload(context.Background(), testBatch()); err != nil {
		t.Fatalf("second Upload() error: %v", err)
	}
}

func TestWebSocketTransportDefaultTimeout(t *testing.T) {
	srv := wsCollector(t, func(batch UploadBatch) wsAck {
		return wsAck{OK: true}
	})
	defer srv.Close()

	// No timeout configured: the transport must still set usable deadlines.
	tr := NewWebSocketTransport("node-1", SyncConfig{CollectorURL: wsURL(srv)})
	defer tr.Close()

	if err := tr.Upload(context.Background(), testBatch()); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
}

func TestWebSocketTransportRejectedBatch(t *testing.T) {
	srv := wsCollector(t, func(batch UploadBatch) wsAck {
		return wsAck{OK: false, Error: "schema mismatch"}
	})
	defer srv.Close()

	tr := NewWebSocketTransport("node-1", SyncConfig{
		CollectorURL:  wsURL(srv),
		UploadTimeout: 5 * time.Second,
	})
	defer tr.Close()

	err := tr.Upload(context.Background(), testBatch())
	if err == nil || !IsTransientError(err) {
		t.Errorf("Upload() error = %v, want transient rejection", err)
	}
}

func TestWebSocketTransportAuthRejection(t *testing.T) {
	srv := wsCollector(t, func(batch UploadBatch) wsAck {
		return wsAck{OK: false, Error: "token expired", Auth: true}
	})
	defer srv.Close()

	tr := NewWebSocketTransport("node-1", SyncConfig{
		CollectorURL:  wsURL(srv),
		UploadTimeout: 5 * time.Second,
	})
	defer tr.Close()

	err := tr.Upload(context.Background(), testBatch())
	if !IsAuthError(err) {
		t.Errorf("Upload() error = %v, want auth error", err)
	}
}

func TestWebSocketTransportRedialsAfterFailure(t *testing.T) {
	srv := wsCollector(t, func(batch UploadBatch) wsAck {
		return wsAck{OK: true}
	})

	tr := NewWebSocketTransport("node-1", SyncConfig{
		CollectorURL:  wsURL(srv),
		UploadTimeout: time.Second,
	})
	defer tr.Close()

	if err := tr.Upload(context.Background(), testBatch()); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	srv.Close()
	if err := tr.Upload(context.Background(), testBatch()); err == nil {
		t.Fatal("expected an error after the collector went away")
	}

	// A fresh collector on a new address is reached by a clean redial.
	srv2 := wsCollector(t, func(batch UploadBatch) wsAck {
		return wsAck{OK: true}
	})
	defer srv2.Close()
	tr2 := NewWebSocketTransport("node-1", SyncConfig{
		CollectorURL:  wsURL(srv2),
		UploadTimeout: time.Second,
	})
	defer tr2.Close()
	if err := tr2.Upload(context.Background(), testBatch()); err != nil {
		t.Fatalf("redial Upload() error: %v", err)
	}
}
