package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/remote/wire"
	"github.com/zeusync/canvassync/internal/core/session"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := memory.NewHub(nil, log.NewNop())
	require.NoError(t, hub.CreateSession(context.Background(), session.Session{ID: "s1", OwnerID: "alice"}))

	s := NewServer(hub, DefaultServerConfig(), log.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?identity=" + identity
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, f wire.Frame) wire.Frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		reply, err := wire.Decode(data)
		require.NoError(t, err)
		if reply.ID == f.ID && reply.Op != wire.OpBatch {
			return reply
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Hub.Sessions)
	assert.Equal(t, int64(0), body.Clients)
}

func TestSessionEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	put := func(id, body string) int {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/sessions/"+id, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, put("s2", `{"ownerId":"carol","config":{"grid":true}}`))
	assert.Equal(t, http.StatusOK, put("s2", `{"ownerId":"carol"}`))
	assert.Equal(t, http.StatusConflict, put("s2", `{"ownerId":"mallory"}`))
	assert.Equal(t, http.StatusBadRequest, put("s3", `{}`))

	resp, err := http.Get(ts.URL + "/sessions/s2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, "carol", got.OwnerID)

	missing, err := http.Get(ts.URL + "/sessions/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWebSocketWriteAuthority(t *testing.T) {
	_, ts := newTestServer(t)
	rec := record.New("box:1", 1, 2, record.BoxProps{W: 3, H: 4})

	guest := dial(t, ts, "bob")
	req := wire.NewRequest(wire.OpUpsert, "s1")
	req.Record = &rec
	reply := roundTrip(t, guest, req)
	assert.Equal(t, wire.OpError, reply.Op)
	assert.Equal(t, wire.CodeForbidden, reply.Code)
	assert.ErrorIs(t, reply.Err(), remote.ErrForbidden)

	owner := dial(t, ts, "alice")
	req = wire.NewRequest(wire.OpUpsert, "s1")
	req.Record = &rec
	reply = roundTrip(t, owner, req)
	assert.Equal(t, wire.OpAck, reply.Op)
}

func TestWebSocketSubscribeSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	owner := dial(t, ts, "alice")

	rec := record.New("box:1", 1, 2, record.BoxProps{W: 3, H: 4})
	req := wire.NewRequest(wire.OpUpsert, "s1")
	req.Record = &rec
	require.Equal(t, wire.OpAck, roundTrip(t, owner, req).Op)

	viewer := dial(t, ts, "bob")
	sub := wire.NewRequest(wire.OpSubscribe, "s1")
	require.NoError(t, viewer.WriteJSON(sub))

	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first wire.Frame
	require.NoError(t, viewer.ReadJSON(&first))
	assert.Equal(t, wire.OpBatch, first.Op)
	assert.Equal(t, sub.ID, first.ID)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, remote.KindAdded, first.Changes[0].Kind)

	var ack wire.Frame
	require.NoError(t, viewer.ReadJSON(&ack))
	assert.Equal(t, wire.OpAck, ack.Op)
}

func TestWebSocketRejectsMalformedFrames(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"op":"upsert","id":"r1","session":"s1","record":{"id":"box:1","type":"box","x":"left"}}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply wire.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, wire.OpError, reply.Op)
	assert.Equal(t, "r1", reply.ID)
	assert.Equal(t, wire.CodeInvalid, reply.Code)
}

func TestClientCount(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts, "alice")

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
