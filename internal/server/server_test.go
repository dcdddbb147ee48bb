package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chatwire/chatwire/internal/server"
	"github.com/chatwire/chatwire/pkg/config"
	"github.com/chatwire/chatwire/pkg/wire"
)

const testSecret = "server-test-secret"

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestServer(t *testing.T) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server:    config.ServerConfig{Address: ":0", Auth: config.AuthConfig{JWTSecret: testSecret}},
		Transport: config.TransportConfig{ReadTimeout: 10 * time.Second},
		Store:     config.StoreConfig{Path: filepath.Join(dir, "server.db")},
		Storage:   config.StorageConfig{UploadDir: filepath.Join(dir, "uploads")},
		Dispatch:  config.DispatchConfig{QueueSize: 64, PersistTimeout: 5 * time.Second},
		Typing:    config.TypingConfig{Expiry: 0},
		Log:       config.LogConfig{Level: "error"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	app, err := server.NewApp(newTestLogger(), ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("NewApp failed: %v", err)
	}

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts, cancel
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
}

// readUntil discards frames until one matches the wanted event name.
func (c *wsClient) readUntil(t *testing.T, event string) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			t.Fatalf("websocket read failed waiting for %s: %v", event, err)
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		if env.Event == event {
			return env
		}
	}
}

func (c *wsClient) identify(t *testing.T, userID string) {
	t.Helper()
	c.send(t, wire.EventConnectIdentify, wire.ConnectIdentify{Token: signToken(t, userID)})
	c.readUntil(t, wire.EventPresenceSnapshot)
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("malformed response %q: %v", raw, err)
	}
	return out
}

func TestTextMessageRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts)
	alice.identify(t, "alice")
	bob := dialWS(t, ts)
	bob.identify(t, "bob")

	alice.send(t, wire.EventSendText, wire.SendText{ReceiverID: "bob", Body: "hello", TempID: "tmp-1"})

	delivered := bob.readUntil(t, wire.EventMessageDelivered)
	var rec wire.MessageRecord
	if err := json.Unmarshal(delivered.Payload, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Body != "hello" || rec.SenderID != "alice" {
		t.Errorf("unexpected delivered record: %+v", rec)
	}

	confirmed := alice.readUntil(t, wire.EventSendConfirmed)
	var conf wire.SendConfirmed
	if err := json.Unmarshal(confirmed.Payload, &conf); err != nil {
		t.Fatal(err)
	}
	if conf.TempID != "tmp-1" || conf.ID != rec.ID {
		t.Errorf("confirmation mismatch: %+v vs delivered id %s", conf, rec.ID)
	}
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialWS(t, ts)
	alice.identify(t, "alice")

	bob := dialWS(t, ts)
	bob.identify(t, "bob")

	// Alice observes bob coming online.
	env := alice.readUntil(t, wire.EventPresenceChanged)
	var p wire.PresenceChanged
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" || p.Status != wire.StatusOnline {
		t.Errorf("unexpected presence event: %+v", p)
	}

	bob.conn.Close(websocket.StatusNormalClosure, "")

	for {
		env = alice.readUntil(t, wire.EventPresenceChanged)
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.UserID == "bob" && p.Status == wire.StatusOffline {
			return
		}
	}
}

func TestRESTBoundary(t *testing.T) {
	ts, _ := newTestServer(t)
	aliceToken := signToken(t, "alice")
	bobToken := signToken(t, "bob")

	alice := dialWS(t, ts)
	alice.identify(t, "alice")
	alice.send(t, wire.EventSendText, wire.SendText{ReceiverID: "bob", Body: "hello", TempID: "t1"})
	alice.readUntil(t, wire.EventSendConfirmed)

	// Missing credential is rejected.
	resp := postJSON(t, ts, "/api/messages/get-all", "", map[string]string{"with_user_id": "alice"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated fetch: got %d, want 401", resp.StatusCode)
	}

	// Bob fetches the conversation.
	resp = postJSON(t, ts, "/api/messages/get-all", bobToken, map[string]string{"with_user_id": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: got %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	var records []wire.MessageRecord
	if err := json.Unmarshal(body["data"], &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Body != "hello" || records[0].IsRead {
		t.Fatalf("unexpected fetched records: %+v", records)
	}

	// Bulk mark-read reports the changed count, then zero.
	resp = postJSON(t, ts, "/api/messages/mark-all-as-read/alice", bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-all: got %d, want 200", resp.StatusCode)
	}
	var counts struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(decodeResponse(t, resp)["data"], &counts); err != nil {
		t.Fatal(err)
	}
	if counts.Count != 1 {
		t.Errorf("first mark-all changed %d, want 1", counts.Count)
	}

	resp = postJSON(t, ts, "/api/messages/mark-all-as-read/alice", bobToken, nil)
	if err := json.Unmarshal(decodeResponse(t, resp)["data"], &counts); err != nil {
		t.Fatal(err)
	}
	if counts.Count != 0 {
		t.Errorf("second mark-all changed %d, want 0", counts.Count)
	}

	// Mark-as-read of a missing message is an explicit 404 here, unlike
	// the silent real-time path.
	resp = postJSON(t, ts, "/api/messages/mark-as-read/no-such-message", aliceToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing message: got %d, want 404", resp.StatusCode)
	}

	// Delete the conversation.
	resp = postJSON(t, ts, "/api/messages/delete-conversation", aliceToken, map[string]string{"with_user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d, want 200", resp.StatusCode)
	}
	resp = postJSON(t, ts, "/api/messages/get-all", bobToken, map[string]string{"with_user_id": "alice"})
	if err := json.Unmarshal(decodeResponse(t, resp)["data"], &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("conversation still has %d messages after delete", len(records))
	}
}

func TestSendAttachmentEndToEnd(t *testing.T) {
	ts, _ := newTestServer(t)
	aliceToken := signToken(t, "alice")

	bob := dialWS(t, ts)
	bob.identify(t, "bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not-really-a-png"))
	mw.WriteField("receiver_id", "bob")
	mw.WriteField("body", "look at this")
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/messages/send-attachment", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("send-attachment: got %d: %s", resp.StatusCode, raw)
	}

	var rec wire.MessageRecord
	if err := json.Unmarshal(decodeResponse(t, resp)["data"], &rec); err != nil {
		t.Fatal(err)
	}
	if rec.AttachmentRef == "" || rec.Body != "look at this" {
		t.Errorf("unexpected attachment record: %+v", rec)
	}

	// Bob receives the fan-out, then can download the blob.
	delivered := bob.readUntil(t, wire.EventMessageDelivered)
	var deliveredRec wire.MessageRecord
	if err := json.Unmarshal(delivered.Payload, &deliveredRec); err != nil {
		t.Fatal(err)
	}
	if deliveredRec.ID != rec.ID {
		t.Errorf("delivered id %s differs from response id %s", deliveredRec.ID, rec.ID)
	}

	blobResp, err := http.Get(ts.URL + rec.AttachmentRef)
	if err != nil {
		t.Fatal(err)
	}
	defer blobResp.Body.Close()
	blob, _ := io.ReadAll(blobResp.Body)
	if string(blob) != "not-really-a-png" {
		t.Errorf("downloaded blob mismatch: %q", blob)
	}
}
