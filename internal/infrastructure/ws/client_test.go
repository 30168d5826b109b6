package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkline/relay/internal/infrastructure/auth"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/relay"
)

type wireFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func newRelayCore(t *testing.T) (*relay.Core, *relay.Registry) {
	t.Helper()
	logger := logging.NewNopLogger()
	registry := relay.NewRegistry(logger, nil)
	tracker := relay.NewTracker(relay.TrackerOptions{OfflineGrace: 50 * time.Millisecond}, logger, nil)
	engine := relay.NewEngine(registry, logger, nil)
	registry.AddListener(tracker)
	return relay.NewCore(registry, tracker, engine, nil, logger, nil), registry
}

func startServer(t *testing.T, core *relay.Core, verifier auth.Verifier, opts Options) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, core, verifier, opts, logging.NewNopLogger())
		client.Run()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func setupConn(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	sendFrame(t, conn, Frame{Type: Setup, Data: SetupPayload{UserID: userID}})
	frame := readFrame(t, conn)
	require.Equal(t, Connected, frame.Type)
	return conn
}

func defaultOpts() Options {
	return Options{
		SetupTimeout: time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   16,
		PingInterval: 30 * time.Second,
	}
}

func TestSetupHandshake(t *testing.T) {
	core, _ := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	conn := setupConn(t, srv, "alice")
	_ = conn
}

func TestFirstFrameMustBeSetup(t *testing.T) {
	core, _ := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	conn := dial(t, srv)
	sendFrame(t, conn, Frame{Type: JoinRoom, RoomID: "room-1"})

	frame := readFrame(t, conn)
	require.Equal(t, ErrorEvent, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, CodeNotAdmitted, payload.Code)

	// the connection is closed after the rejection
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var discard wireFrame
	assert.Error(t, conn.ReadJSON(&discard))
}

func TestSetupRejectsEmptyUserID(t *testing.T) {
	core, _ := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	conn := dial(t, srv)
	sendFrame(t, conn, Frame{Type: Setup, Data: SetupPayload{}})

	frame := readFrame(t, conn)
	require.Equal(t, ErrorEvent, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, CodeBadFrame, payload.Code)
}

func TestMessageRoundTripExcludesSender(t *testing.T) {
	core, registry := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	alice := setupConn(t, srv, "alice")
	bob := setupConn(t, srv, "bob")

	sendFrame(t, alice, Frame{Type: JoinRoom, RoomID: "room-1"})
	sendFrame(t, bob, Frame{Type: JoinRoom, RoomID: "room-1"})

	require.Eventually(t, func() bool {
		return len(registry.MembersOf("room-1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, Frame{Type: MessageSent, Data: MessagePayload{
		MessageID: "m-1",
		RoomID:    "room-1",
		Content:   "hello bob",
	}})

	frame := readFrame(t, bob)
	require.Equal(t, MessageReceived, frame.Type)
	assert.Equal(t, "room-1", frame.RoomID)

	var payload MessagePayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "m-1", payload.MessageID)
	assert.Equal(t, "alice", payload.SenderID)
	assert.Equal(t, "hello bob", payload.Content)

	// the sender's own connection must not receive the message
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var echo wireFrame
	assert.Error(t, alice.ReadJSON(&echo))
}

func TestSenderSpoofingRejected(t *testing.T) {
	core, registry := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	alice := setupConn(t, srv, "alice")
	sendFrame(t, alice, Frame{Type: JoinRoom, RoomID: "room-1"})

	require.Eventually(t, func() bool {
		return len(registry.MembersOf("room-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, Frame{Type: MessageSent, Data: MessagePayload{
		MessageID: "m-1",
		RoomID:    "room-1",
		SenderID:  "mallory",
		Content:   "forged",
	}})

	frame := readFrame(t, alice)
	require.Equal(t, ErrorEvent, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, CodeBadFrame, payload.Code)
}

func TestAuthFailureClosesConnection(t *testing.T) {
	core, _ := newRelayCore(t)
	verifier := auth.NewJWTVerifier("secret", "", "")
	srv := startServer(t, core, verifier, defaultOpts())

	conn := dial(t, srv)
	sendFrame(t, conn, Frame{Type: Setup, Data: SetupPayload{UserID: "alice", Token: "not-a-jwt"}})

	frame := readFrame(t, conn)
	require.Equal(t, ErrorEvent, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, CodeAuthFailed, payload.Code)
}

func TestDisconnectCleansUpRegistry(t *testing.T) {
	core, registry := newRelayCore(t)
	srv := startServer(t, core, auth.TrustingVerifier{}, defaultOpts())

	alice := setupConn(t, srv, "alice")
	sendFrame(t, alice, Frame{Type: JoinRoom, RoomID: "room-1"})

	require.Eventually(t, func() bool {
		return len(registry.MembersOf("room-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		return len(registry.MembersOf("room-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
