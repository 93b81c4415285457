package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type specialRecorder struct {
	frames chan []byte
	closed chan struct{}
}

func (r *specialRecorder) HandleFrame(conn *Conn, messageType int, data []byte) {
	r.frames <- append([]byte(nil), data...)
}

func (r *specialRecorder) HandleClose(conn *Conn) {
	close(r.closed)
}

// newTestGateway starts a server with an echo action and a recording
// special handler, and returns a dialed client connection.
func newTestGateway(t *testing.T, opts ServerOptions) (*websocket.Conn, *specialRecorder) {
	t.Helper()

	recorder := &specialRecorder{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}

	modules := []Module{{
		Name: "echo",
		Actions: map[string]HandlerFunc{
			"reply": func(req *Request, conn *Conn) {
				var params struct {
					Message string `json:"message"`
				}
				if err := req.Decode(&params); err != nil {
					_ = conn.Fail(req.ID, ErrMalformedRequest)
					return
				}
				_ = conn.Success(req.ID, map[string]any{"message": params.Message})
			},
		},
		Specials: map[string]SpecialFunc{
			"record": func(*Conn) SpecialHandler { return recorder },
		},
	}}

	router, err := NewRouter(modules,
		map[string]string{"echo": "echo.reply"},
		map[string]string{"TEST-SPECIAL": "echo.record"},
	)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	opts.Router = router
	server, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, recorder
}

func readEnvelope(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("response is not JSON: %v (payload %q)", err, data)
	}
	return envelope
}

func TestInvalidActionResponse(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","action":"unknownThing"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	envelope := readEnvelope(t, client)
	if envelope["type"] != "response" || envelope["status"] != "failed" {
		t.Fatalf("unexpected envelope: %v", envelope)
	}
	if envelope["error"] != ErrInvalidAction {
		t.Fatalf("expected error %q, got %q", ErrInvalidAction, envelope["error"])
	}
	if envelope["id"] != "1" {
		t.Fatalf("expected id to be echoed, got %v", envelope["id"])
	}
}

func TestActionSuccessEchoesID(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"id":42,"action":"echo","message":"hi"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	envelope := readEnvelope(t, client)
	if envelope["status"] != "success" {
		t.Fatalf("expected success, got %v", envelope)
	}
	if envelope["message"] != "hi" {
		t.Fatalf("expected message to round-trip, got %v", envelope["message"])
	}
	// The correlation token is echoed with its original JSON type.
	if envelope["id"] != float64(42) {
		t.Fatalf("expected id 42, got %v", envelope["id"])
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte(PingFrame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != PongFrame {
		t.Fatalf("expected %q, got %q", PongFrame, data)
	}
}

func TestMissingIDRejected(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"action":"echo"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	envelope := readEnvelope(t, client)
	if envelope["error"] != ErrMissingParameters {
		t.Fatalf("expected error %q, got %v", ErrMissingParameters, envelope["error"])
	}
	if _, present := envelope["id"]; present {
		t.Fatalf("expected no id field in response, got %v", envelope["id"])
	}
}

func TestMalformedFramesRejected(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope := readEnvelope(t, client)
	if envelope["error"] != ErrMalformedRequest {
		t.Fatalf("expected error %q for bad JSON, got %v", ErrMalformedRequest, envelope["error"])
	}

	// A binary frame outside a special connection is never a valid request.
	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope = readEnvelope(t, client)
	if envelope["error"] != ErrMalformedRequest {
		t.Fatalf("expected error %q for binary frame, got %v", ErrMalformedRequest, envelope["error"])
	}
}

func TestSpecialConnectionLocksForLifetime(t *testing.T) {
	client, recorder := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte("TEST-SPECIAL")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	envelope := readEnvelope(t, client)
	if envelope["status"] != "success" {
		t.Fatalf("expected success acknowledging special mode, got %v", envelope)
	}

	// Frames after the lock go to the special handler, even well-formed
	// action requests.
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","action":"echo","message":"hi"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case frame := <-recorder.frames:
		if !strings.Contains(string(frame), "echo") {
			t.Fatalf("special handler received wrong frame: %q", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("special handler never received the frame")
	}

	_ = client.Close()
	select {
	case <-recorder.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("special handler close hook never ran")
	}
}

func TestSpecialKeyOnlyMatchesFirstFrame(t *testing.T) {
	client, recorder := newTestGateway(t, ServerOptions{})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","action":"echo","message":"hi"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if envelope := readEnvelope(t, client); envelope["status"] != "success" {
		t.Fatalf("expected success, got %v", envelope)
	}

	// The key is an ordinary malformed frame once the connection is normal.
	if err := client.WriteMessage(websocket.TextMessage, []byte("TEST-SPECIAL")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope := readEnvelope(t, client)
	if envelope["error"] != ErrMalformedRequest {
		t.Fatalf("expected error %q, got %v", ErrMalformedRequest, envelope["error"])
	}

	select {
	case frame := <-recorder.frames:
		t.Fatalf("special handler unexpectedly received %q", frame)
	default:
	}
}

func sendPing(t *testing.T, client *websocket.Conn) {
	t.Helper()

	if err := client.WriteMessage(websocket.TextMessage, []byte(PingFrame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != PongFrame {
		t.Fatalf("expected %q, got %q", PongFrame, data)
	}
}

func TestPingExemptFromRateLimitByDefault(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{
		MessagesPerSecond: 2,
		BlockTime:         30 * time.Second,
	})

	// Pings beyond the threshold are all answered and consume no budget.
	for i := 0; i < 3; i++ {
		sendPing(t, client)
	}

	payload := []byte(`{"id":"1","action":"echo","message":"hi"}`)
	for i := 0; i < 2; i++ {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if envelope := readEnvelope(t, client); envelope["status"] != "success" {
			t.Fatalf("action %d after pings was rejected: %v", i+1, envelope)
		}
	}
}

func TestPingCountedButNeverRefused(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{
		MessagesPerSecond:     2,
		BlockTime:             30 * time.Second,
		PingCountsTowardLimit: true,
	})

	sendPing(t, client)
	sendPing(t, client)

	// The two pings exhausted the window, so the next action is refused.
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","action":"echo","message":"hi"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope := readEnvelope(t, client)
	if envelope["error"] != ErrTooManyRequests {
		t.Fatalf("expected error %q, got %v", ErrTooManyRequests, envelope["error"])
	}

	// A ping gets through even while the connection is blocked.
	sendPing(t, client)
}

func TestRateLimitRejectsExcessFrames(t *testing.T) {
	client, _ := newTestGateway(t, ServerOptions{
		MessagesPerSecond: 2,
		BlockTime:         30 * time.Second,
	})

	payload := []byte(`{"id":"1","action":"echo","message":"hi"}`)
	for i := 0; i < 2; i++ {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if envelope := readEnvelope(t, client); envelope["status"] != "success" {
			t.Fatalf("frame %d within threshold was rejected: %v", i+1, envelope)
		}
	}

	if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope := readEnvelope(t, client)
	if envelope["error"] != ErrTooManyRequests {
		t.Fatalf("expected error %q, got %v", ErrTooManyRequests, envelope["error"])
	}
}
