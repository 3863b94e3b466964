package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer-monitor/internal/auth"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(Options{HeartbeatInterval: time.Hour, HeartbeatTimeout: 2 * time.Hour, SendBuffer: 16}, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.Identity{UserID: r.URL.Query().Get("user"), Role: r.URL.Query().Get("role")}
		_ = h.Serve(w, r, id)
	}))
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, user, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestAdminChannelRejectedForViewer(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv, "alice", auth.RoleViewer)

	send(t, conn, ClientMessage{Type: MsgSubscribe, Channel: ChannelAdmin})
	frame := receive(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, CodeForbidden, frame["code"])
	assert.Equal(t, 0, h.Subscribers(ChannelAdmin))

	send(t, conn, ClientMessage{Type: MsgSubscribe, Channel: ChannelAlerts})
	frame = receive(t, conn)
	assert.Equal(t, "subscription_confirmed", frame["type"])
	assert.Equal(t, true, frame["subscribed"])
	assert.Equal(t, 1, h.Subscribers(ChannelAlerts))
}

func TestAdminChannelAcceptedForAdmin(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv, "root", auth.RoleAdmin)

	send(t, conn, ClientMessage{Type: MsgSubscribe, Channel: ChannelAdmin})
	frame := receive(t, conn)
	assert.Equal(t, "subscription_confirmed", frame["type"])
	assert.Equal(t, 1, h.Subscribers(ChannelAdmin))
}

func TestDispatchErrors(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv, "alice", auth.RoleViewer)

	send(t, conn, ClientMessage{Type: MsgSubscribe, Channel: "nope"})
	assert.Equal(t, CodeUnknownChannel, receive(t, conn)["code"])

	send(t, conn, ClientMessage{Type: "dance"})
	assert.Equal(t, CodeBadRequest, receive(t, conn)["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, CodeBadRequest, receive(t, conn)["code"])

	send(t, conn, ClientMessage{Type: MsgPing})
	assert.Equal(t, "pong", receive(t, conn)["type"])
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	subscribed := dial(t, srv, "a", auth.RoleViewer)
	other := dial(t, srv, "b", auth.RoleViewer)

	send(t, subscribed, ClientMessage{Type: MsgSubscribe, Channel: ChannelAlerts})
	receive(t, subscribed)
	send(t, other, ClientMessage{Type: MsgSubscribe, Channel: ChannelMetrics})
	receive(t, other)

	n := h.Broadcast(ChannelAlerts, Event{Type: EventNewAlert, Data: map[string]string{"message": "low balance"}})
	assert.Equal(t, 1, n)

	frame := receive(t, subscribed)
	assert.Equal(t, EventNewAlert, frame["type"])
	assert.Equal(t, string(ChannelAlerts), frame["channel"])

	send(t, subscribed, ClientMessage{Type: MsgUnsubscribe, Channel: ChannelAlerts})
	assert.Equal(t, false, receive(t, subscribed)["subscribed"])
	assert.Equal(t, 0, h.Broadcast(ChannelAlerts, Event{Type: EventNewAlert}))
}

func TestBroadcastToRole(t *testing.T) {
	h, srv := newTestHub(t)
	viewer := dial(t, srv, "v", auth.RoleViewer)
	admin := dial(t, srv, "r", auth.RoleAdmin)
	for _, c := range []*websocket.Conn{viewer, admin} {
		send(t, c, ClientMessage{Type: MsgSubscribe, Channel: ChannelWallets})
		receive(t, c)
	}

	assert.Equal(t, 1, h.BroadcastToRole(ChannelWallets, "operator", Event{Type: EventWalletAlert}))
	assert.Equal(t, EventWalletAlert, receive(t, admin)["type"])
	assert.Equal(t, 2, h.BroadcastToRole(ChannelWallets, auth.RoleViewer, Event{Type: EventWalletAlert}))
}

func TestHeartbeatPrunesSilentConnections(t *testing.T) {
	h, srv := newTestHub(t)
	dial(t, srv, "a", auth.RoleViewer)
	require.Eventually(t, func() bool { return h.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.heartbeat(time.Now())
	assert.Equal(t, 1, h.Count(), "fresh connection must survive")

	h.heartbeat(time.Now().Add(3 * time.Hour))
	assert.Equal(t, 0, h.Count())
}

type stuckConn struct {
	closed chan struct{}
	once   sync.Once
}

func newStuckConn() *stuckConn { return &stuckConn{closed: make(chan struct{})} }

func (s *stuckConn) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("closed")
}

func (s *stuckConn) WriteMessage(int, []byte) error {
	<-s.closed
	return errors.New("closed")
}

func (s *stuckConn) WriteControl(int, []byte, time.Time) error { return nil }
func (s *stuckConn) SetReadDeadline(time.Time) error           { return nil }
func (s *stuckConn) SetWriteDeadline(time.Time) error          { return nil }
func (s *stuckConn) SetPongHandler(func(string) error)         {}

func (s *stuckConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestSlowPeerIsPrunedWithoutBlockingOthers(t *testing.T) {
	h := New(Options{HeartbeatInterval: time.Hour, SendBuffer: 1}, zerolog.Nop())
	slow := newStuckConn()
	c := h.register(slow, auth.Identity{UserID: "slow", Role: auth.RoleViewer})
	c.subs.Store(ChannelBalances, struct{}{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Broadcast(ChannelBalances, Event{Type: EventBalanceUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow peer")
	}
	assert.Equal(t, 0, h.Count())
	select {
	case <-slow.closed:
	default:
		t.Fatal("slow connection should be closed")
	}
}

func TestEventJSON(t *testing.T) {
	raw, err := json.Marshal(Event{Type: EventMetricsUpdate, Channel: ChannelMetrics, Timestamp: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metrics_update","channel":"metrics","timestamp":"1970-01-01T00:00:00Z"}`, string(raw))
}
