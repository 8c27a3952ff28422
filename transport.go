package activitysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
)

// UploadRecord is the wire form of one record. Payloads stay opaque: the
// engine ships exactly the encrypted blob the producer submitted.
type UploadRecord struct {
	ID        string     `json:"id"`
	Kind      RecordKind `json:"kind"`
	Payload   []byte     `json:"payload"`
	RiskScore float64    `json:"risk_score"`
	Timestamp int64      `json:"timestamp"`
}

// UploadBatch is an ordered group of records for a single upload call.
// The collector acknowledges the batch as a whole; there is no partial
// acknowledgment in this contract.
type UploadBatch struct {
	NodeID  string         `json:"node_id"`
	SentAt  int64          `json:"sent_at"`
	Records []UploadRecord `json:"records"`
}

// Transport delivers a batch to the remote collector. A nil return means the
// whole batch was accepted. Failures must be classified: auth rejections as
// TransportError with Auth set, everything else as transient.
type Transport interface {
	Upload(ctx context.Context, batch UploadBatch) error
}

// newUploadBatch converts selected records to wire form.
func newUploadBatch(nodeID string, recs []*Record) UploadBatch {
	batch := UploadBatch{
		NodeID:  nodeID,
		SentAt:  time.Now().UnixNano(),
		Records: make([]UploadRecord, 0, len(recs)),
	}
	for _, rec := range recs {
		batch.Records = append(batch.Records, UploadRecord{
			ID:        rec.ID,
			Kind:      rec.Kind,
			Payload:   rec.Payload,
			RiskScore: rec.RiskScore,
			Timestamp: rec.CreatedAt.UnixNano(),
		})
	}
	return batch
}

// HTTPTransport uploads batches to the collector's ingest endpoint over
// HTTPS with bearer authentication and optional snappy body compression.
type HTTPTransport struct {
	config SyncConfig
	nodeID string
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport from the sync configuration.
func NewHTTPTransport(nodeID string, config SyncConfig) *HTTPTransport {
	timeout := config.UploadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		config: config,
		nodeID: nodeID,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Upload implements Transport.Upload.
func (t *HTTPTransport) Upload(ctx context.Context, batch UploadBatch) error {
	if t.config.CollectorURL == "" {
		return &TransportError{Message: "collector URL not configured"}
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return &TransportError{Message: "marshal batch", Cause: err}
	}

	body := data
	if t.config.Compression {
		body = snappy.Encode(nil, data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.CollectorURL+"/v1/activity", bytes.NewReader(body))
	if err != nil {
		return &TransportError{Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.Compression {
		req.Header.Set("Content-Encoding", "snappy")
	}
	if t.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}
	req.Header.Set("X-Node-ID", t.nodeID)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Message: "upload request", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// Surface the collector's error string when it sends one.
	msg := fmt.Sprintf("collector returned status %d", resp.StatusCode)
	if detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512)); len(detail) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, bytes.TrimSpace(detail))
	}
	return newTransportError(resp.StatusCode, msg, nil)
}

// wsAck is the collector's per-batch acknowledgment frame.
type wsAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Auth  bool   `json:"auth_rejected,omitempty"`
}

// WebSocketTransport uploads batches over a persistent collector connection.
// Useful for deployments that keep a live channel open for critical records.
// Safe for the engine's single-flight executor; calls are serialized.
type WebSocketTransport struct {
	config SyncConfig
	nodeID string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport creates a websocket transport. The connection is
// dialed lazily on first upload and redialed after any failure.
func NewWebSocketTransport(nodeID string, config SyncConfig) *WebSocketTransport {
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	return &WebSocketTransport{
		config: config,
		nodeID: nodeID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (t *WebSocketTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	if t.config.CollectorURL == "" {
		return nil, &TransportError{Message: "collector URL not configured"}
	}

	header := http.Header{}
	if t.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}
	header.Set("X-Node-ID", t.nodeID)

	conn, resp, err := t.dialer.DialContext(ctx, t.config.CollectorURL+"/v1/activity/stream", header)
	if err != nil {
		if resp != nil {
			return nil, newTransportError(resp.StatusCode, "websocket handshake rejected", err)
		}
		return nil, &TransportError{Message: "websocket dial", Cause: err}
	}
	t.conn = conn
	return conn, nil
}

// Upload implements Transport.Upload. One batch frame out, one ack frame
// back; any transport-level failure drops the connection for a clean redial.
func (t *WebSocketTransport) Upload(ctx context.Context, batch UploadBatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.config.UploadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(batch); err != nil {
		t.dropConn()
		return &TransportError{Message: "websocket write", Cause: err}
	}

	var ack wsAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.dropConn()
		return &TransportError{Message: "websocket ack read", Cause: err}
	}
	if !ack.OK {
		if ack.Auth {
			t.dropConn()
			return &TransportError{Message: "collector rejected credentials: " + ack.Error, Auth: true}
		}
		return &TransportError{Message: "collector rejected batch: " + ack.Error}
	}
	return nil
}

func (t *WebSocketTransport) dropConn() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close shuts the persistent connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropConn()
	return nil
}
