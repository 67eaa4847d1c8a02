package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabOT/backend/internal/collab"
	"collabOT/backend/internal/ot"
	"collabOT/backend/internal/store"
)

type frame struct {
	V        int          `json:"v"`
	Type     string       `json:"type"`
	Content  string       `json:"content"`
	Version  uint64       `json:"version"`
	ClientID string       `json:"clientId"`
	Op       ot.Operation `json:"op"`
	Code     string       `json:"code"`
	Message  string       `json:"message"`
}

type testServer struct {
	srv   *httptest.Server
	store *store.MemoryRoomStore
	svc   collab.Service
	hub   *Hub
}

func newTestServer(t *testing.T, historyLimit int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryRoomStore()
	hub := NewHub(nil)
	svc := collab.NewInMemoryService(st, hub, nil, collab.Options{HistoryLimit: historyLimit})
	m := NewManager(hub, svc, Options{SendBuffer: 64})

	r := gin.New()
	r.GET("/ws/:roomId", m.ServeRoom)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, svc: svc, hub: hub}
}

func (ts *testServer) room(t *testing.T, content string) string {
	t.Helper()
	room, err := ts.store.CreateRoom(context.Background(), "")
	require.NoError(t, err)
	if content != "" {
		require.NoError(t, ts.store.PutRoom(context.Background(), room.ID, content, 1))
	}
	return room.ID
}

func (ts *testServer) dial(t *testing.T, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, ProtocolVersion, f.V)
	return f
}

func sendOp(t *testing.T, conn *websocket.Conn, op ot.Operation) {
	t.Helper()
	b, err := json.Marshal(ClientMessage{V: ProtocolVersion, Type: TypeOp, Op: &op})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestJoin_SendsSync(t *testing.T) {
	ts := newTestServer(t, 100)
	roomID := ts.room(t, "hello")

	conn := ts.dial(t, roomID)
	f := readFrame(t, conn)
	assert.Equal(t, TypeSync, f.Type)
	assert.Equal(t, "hello", f.Content)
	assert.Equal(t, uint64(1), f.Version)
	assert.NotEmpty(t, f.ClientID)
}

func TestJoin_MissingRoomClosesWithPolicyViolation(t *testing.T) {
	ts := newTestServer(t, 100)
	conn := ts.dial(t, "does-not-exist")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Room not found", closeErr.Text)
	assert.Equal(t, 0, ts.svc.LoadedRooms())
}

func TestOp_BroadcastToPeersAckToSender(t *testing.T) {
	ts := newTestServer(t, 100)
	roomID := ts.room(t, "abc")

	a := ts.dial(t, roomID)
	syncA := readFrame(t, a)
	b := ts.dial(t, roomID)
	syncB := readFrame(t, b)
	require.NotEqual(t, syncA.ClientID, syncB.ClientID)

	sendOp(t, a, ot.Operation{Kind: ot.KindInsert, Index: 3, Text: "d", BaseVersion: syncA.Version})

	ack := readFrame(t, a)
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, uint64(2), ack.Version)

	op := readFrame(t, b)
	assert.Equal(t, TypeOp, op.Type)
	assert.Equal(t, ot.Operation{Kind: ot.KindInsert, Index: 3, Text: "d", BaseVersion: 2}, op.Op)

	// b 离开后 a 收到的下一帧是 user_left，说明自己的 op 没有回推给 a
	require.NoError(t, b.Close())
	left := readFrame(t, a)
	assert.Equal(t, TypeUserLeft, left.Type)
	assert.Equal(t, syncB.ClientID, left.ClientID)

	content, err := ts.svc.CurrentContent(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "abcd", content)
}

func TestOp_ConcurrentClientsConverge(t *testing.T) {
	ts := newTestServer(t, 100)
	roomID := ts.room(t, "abcdef")

	a := ts.dial(t, roomID)
	readFrame(t, a)
	b := ts.dial(t, roomID)
	readFrame(t, b)

	// 两个客户端都基于版本 1 编辑
	sendOp(t, a, ot.Operation{Kind: ot.KindInsert, Index: 1, Text: "XY", BaseVersion: 1})
	require.Equal(t, TypeAck, readFrame(t, a).Type)
	sendOp(t, b, ot.Operation{Kind: ot.KindDelete, Index: 3, Length: 2, BaseVersion: 1})

	// b 先收到 a 的 op，再收到自己的 ack
	assert.Equal(t, TypeOp, readFrame(t, b).Type)
	ack := readFrame(t, b)
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, uint64(3), ack.Version)

	// a 收到的是变换后的删除
	op := readFrame(t, a)
	assert.Equal(t, 5, op.Op.Index)

	content, _ := ts.svc.CurrentContent(context.Background(), roomID)
	assert.Equal(t, "aXYbcf", content)
}

func TestOp_InvalidOperationKeepsSessionOpen(t *testing.T) {
	ts := newTestServer(t, 100)
	roomID := ts.room(t, "")
	a := ts.dial(t, roomID)
	readFrame(t, a)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"op","op":{"type":"bold","index":0}}`)))
	f := readFrame(t, a)
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, CodeInvalidOp, f.Code)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	f = readFrame(t, a)
	assert.Equal(t, CodeInvalidMessage, f.Code)

	sendOp(t, a, ot.Operation{Kind: ot.KindInsert, Text: "ok", BaseVersion: 0})
	f = readFrame(t, a)
	assert.Equal(t, TypeAck, f.Type)
	assert.Equal(t, uint64(1), f.Version)
}

func TestOp_StaleBaseTriggersResync(t *testing.T) {
	ts := newTestServer(t, 2)
	roomID := ts.room(t, "x")

	a := ts.dial(t, roomID)
	readFrame(t, a)
	b := ts.dial(t, roomID)
	readFrame(t, b)

	for v := uint64(1); v <= 3; v++ {
		sendOp(t, a, ot.Operation{Kind: ot.KindInsert, Index: 0, Text: "a", BaseVersion: v})
		require.Equal(t, TypeAck, readFrame(t, a).Type)
	}

	// 历史只保留 3、4，基于 1 的操作无法变换
	sendOp(t, b, ot.Operation{Kind: ot.KindInsert, Index: 0, Text: "b", BaseVersion: 1})
	var ops int
	for {
		f := readFrame(t, b)
		if f.Type == TypeSync {
			assert.Equal(t, uint64(4), f.Version)
			assert.Equal(t, "aaax", f.Content)
			break
		}
		require.Equal(t, TypeOp, f.Type)
		ops++
	}
	assert.Equal(t, 3, ops)

	v, _ := ts.svc.CurrentVersion(context.Background(), roomID)
	assert.Equal(t, uint64(4), v, "stale op discarded")
}

func TestHub_EvictsSessionWhenQueueFull(t *testing.T) {
	hub := NewHub(nil)
	slow := newConn(nil, hub, nil, "room", "slow", Options{SendBuffer: 1})
	fast := newConn(nil, hub, nil, "room", "fast", Options{SendBuffer: 8})
	hub.Join(slow)
	hub.Join(fast)

	hub.Broadcast("room", NewUserLeft("x"))
	hub.Broadcast("room", NewUserLeft("y"))

	members, err := hub.Members(context.Background(), "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, members)
	assert.Len(t, fast.send, 2)

	select {
	case <-slow.done:
	default:
		t.Fatal("evicted session not closed")
	}
	assert.False(t, hub.Send("slow", NewAck(1)))
	assert.False(t, hub.Leave(slow))
}

func TestHub_BroadcastOpExcludesOrigin(t *testing.T) {
	hub := NewHub(nil)
	origin := newConn(nil, hub, nil, "room", "origin", Options{SendBuffer: 4})
	peer := newConn(nil, hub, nil, "room", "peer", Options{SendBuffer: 4})
	other := newConn(nil, hub, nil, "other-room", "other", Options{SendBuffer: 4})
	hub.Join(origin)
	hub.Join(peer)
	hub.Join(other)

	entry := ot.Entry{Op: ot.Operation{Kind: ot.KindInsert, Text: "a", BaseVersion: 7}, Version: 7}
	hub.BroadcastOp("room", entry, "origin")

	require.Len(t, origin.send, 1)
	assert.Equal(t, NewAck(7), <-origin.send)
	require.Len(t, peer.send, 1)
	assert.Equal(t, NewOp(entry.Op), <-peer.send)
	assert.Empty(t, other.send)
}
