package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojuolokun86/load-manager/internal/fanout"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// fakeWorker is a stand-in backend exposing the worker event socket. It
// records every relayed frame and exposes the server-side connection so
// tests can push frames back down the relay.
type fakeWorker struct {
	server *httptest.Server
	dials  atomic.Int32
	frames chan dispatch.Event
	conns  chan *websocket.Conn
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{
		frames: make(chan dispatch.Event, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		w.dials.Add(1)
		w.conns <- conn
		for {
			var evt dispatch.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			w.frames <- evt
		}
	}))
	t.Cleanup(w.server.Close)
	return w
}

func (w *fakeWorker) nextFrame(t *testing.T) dispatch.Event {
	t.Helper()
	select {
	case evt := <-w.frames:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed frame")
		return dispatch.Event{}
	}
}

func (w *fakeWorker) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-w.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backend connection")
		return nil
	}
}

type stubResolver struct{ url string }

func (s stubResolver) ResolveOrFirst(_ context.Context, _ dispatch.Key) dispatch.Worker {
	return dispatch.Worker{ID: "server1", URL: s.url}
}

type stubBots struct{}

func (stubBots) UserBots(_ context.Context, authID string) []fanout.Bot {
	return []fanout.Bot{{PhoneNumber: "111", AuthID: authID, Status: "Active"}}
}

// newProxyClient mounts an EventProxy and returns a connected client plus
// the shared client registry.
func newProxyClient(t *testing.T, worker *fakeWorker) (*websocket.Conn, *ClientRegistry) {
	t.Helper()
	registry := NewClientRegistry(zerolog.Nop())
	proxy := NewEventProxy(stubResolver{url: worker.server.URL}, stubBots{}, registry, zerolog.Nop())

	srv := httptest.NewServer(proxy.Handler())
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, registry
}

func announce(t *testing.T, client *websocket.Conn, authID string) {
	t.Helper()
	evt, err := dispatch.NewEvent(dispatch.EventAuthID, authID)
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt))
}

func TestEventProxy_IdentityPushesBotInfo(t *testing.T) {
	worker := newFakeWorker(t)
	client, _ := newProxyClient(t, worker)

	announce(t, client, "user-a")

	got := readEvent(t, client)
	require.Equal(t, dispatch.EventBotInfo, got.Name)

	var payload struct {
		Bots []fanout.Bot `json:"bots"`
	}
	require.NoError(t, got.FirstArg(&payload))
	require.Len(t, payload.Bots, 1)
	assert.Equal(t, "user-a", payload.Bots[0].AuthID)

	// The bot-info read never opens a relay connection.
	assert.Equal(t, int32(0), worker.dials.Load())
}

func TestEventProxy_RelayDialsOnce(t *testing.T) {
	worker := newFakeWorker(t)
	client, _ := newProxyClient(t, worker)

	announce(t, client, "user-a")
	_ = readEvent(t, client) // bot-info

	evt1, err := dispatch.NewEvent("start-session", map[string]string{"phoneNumber": "111"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt1))

	// The backend sees the identity announcement first, then the event.
	assert.Equal(t, dispatch.EventAuthID, worker.nextFrame(t).Name)
	assert.Equal(t, "start-session", worker.nextFrame(t).Name)

	evt2, err := dispatch.NewEvent("stop-session", map[string]string{"phoneNumber": "111"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt2))
	assert.Equal(t, "stop-session", worker.nextFrame(t).Name)

	assert.Equal(t, int32(1), worker.dials.Load(), "one backend connection per session")
}

func TestEventProxy_BackendFramesReachClient(t *testing.T) {
	worker := newFakeWorker(t)
	client, _ := newProxyClient(t, worker)

	announce(t, client, "user-a")
	_ = readEvent(t, client) // bot-info

	evt, err := dispatch.NewEvent("status", "ok")
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt))
	backendConn := worker.conn(t)
	_ = worker.nextFrame(t) // authId
	_ = worker.nextFrame(t) // status

	downstream, err := dispatch.NewEvent("session-update", map[string]string{"phoneNumber": "111"})
	require.NoError(t, err)
	require.NoError(t, backendConn.WriteJSON(downstream))

	got := readEvent(t, client)
	assert.Equal(t, "session-update", got.Name)
}

func TestEventProxy_PairingCodeRoutedByIdentity(t *testing.T) {
	worker := newFakeWorker(t)
	client, _ := newProxyClient(t, worker)

	announce(t, client, "user-a")
	_ = readEvent(t, client) // bot-info

	evt, err := dispatch.NewEvent("start-session", map[string]string{"phoneNumber": "111"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt))
	backendConn := worker.conn(t)
	_ = worker.nextFrame(t)
	_ = worker.nextFrame(t)

	// The pairing code is routed by the auth id in its payload, not by the
	// originating backend connection.
	code, err := dispatch.NewEvent(dispatch.EventPairingCode, map[string]string{"authId": "user-a", "qr": "CODE"})
	require.NoError(t, err)
	require.NoError(t, backendConn.WriteJSON(code))

	got := readEvent(t, client)
	require.Equal(t, dispatch.EventPairingCode, got.Name)
	var payload struct {
		QR string `json:"qr"`
	}
	require.NoError(t, got.FirstArg(&payload))
	assert.Equal(t, "CODE", payload.QR)
}

func TestEventProxy_MalformedFrameClosesConnection(t *testing.T) {
	worker := newFakeWorker(t)
	client, _ := newProxyClient(t, worker)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))

	got := readEvent(t, client)
	assert.Equal(t, "error", got.Name)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "connection is closed after a malformed frame")
}

func TestEventProxy_BackendCloseTearsDownClient(t *testing.T) {
	worker := newFakeWorker(t)
	client, registry := newProxyClient(t, worker)

	announce(t, client, "user-a")
	_ = readEvent(t, client) // bot-info

	evt, err := dispatch.NewEvent("start-session", map[string]string{"phoneNumber": "111"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(evt))
	backendConn := worker.conn(t)
	_ = worker.nextFrame(t)
	_ = worker.nextFrame(t)

	require.NoError(t, backendConn.Close())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = client.ReadMessage()
	assert.Error(t, err, "client side is closed when the backend goes away")

	// Teardown eventually deregisters the identity.
	require.Eventually(t, func() bool {
		push, _ := dispatch.NewEvent("notice", "gone")
		return !registry.Push("user-a", push)
	}, 5*time.Second, 10*time.Millisecond)
}
