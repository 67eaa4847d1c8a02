package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabOT/backend/internal/collab"
	"collabOT/backend/internal/logging"
)

const DefaultSendBuffer = 256

// 房间不存在时的关闭原因
const closeReasonRoomNotFound = "Room not found"

// 允许本地开发环境的来源；Origin 为空或 "null" 的客户端（非浏览器）也放行
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Options struct {
	SendBuffer int
	// <=0 表示不限速
	OpsPerSecond float64
	OpBurst      int
	// 非空时覆盖默认的 Origin 检查
	CheckOrigin func(r *http.Request) bool
}

func (o Options) limiter() *rate.Limiter {
	if o.OpsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.OpBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.OpsPerSecond), burst)
}

type Manager struct {
	h   *Hub
	svc collab.Service
	opt Options

	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc collab.Service, opt Options) *Manager {
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = DefaultSendBuffer
	}
	up := upgrader
	if opt.CheckOrigin != nil {
		up.CheckOrigin = opt.CheckOrigin
	}
	return &Manager{h: h, svc: svc, opt: opt, upgrader: up}
}

// ServeRoom 处理 GET /ws/:roomId：升级连接，加入房间并下发 sync，然后阻塞在读循环直到连接关闭
func (m *Manager) ServeRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	wsConn := newConn(conn, m.h, m.svc, roomID, uuid.NewString(), m.opt)

	// 注册和 sync 在房间锁内完成：快照之后提交的操作一定会广播到这个会话
	err = m.svc.Join(ctx, roomID, func(snap collab.Snapshot) {
		m.h.Join(wsConn)
		wsConn.enqueue(NewSync(snap.Content, snap.Version, wsConn.clientID))
	})
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "internal error"
		if errors.Is(err, collab.ErrRoomNotFound) {
			code, reason = websocket.ClosePolicyViolation, closeReasonRoomNotFound
		} else {
			logging.Error().Err(err).Str("room", roomID).Msg("join room failed")
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	logging.Info().Str("room", roomID).Str("client", wsConn.clientID).Msg("session joined")
	m.h.markOnline(wsConn)

	go wsConn.writeLoop()
	wsConn.readLoop(ctx)

	// 读循环结束即会话结束
	wsConn.close()
	m.h.Leave(wsConn)
	m.h.Broadcast(roomID, NewUserLeft(wsConn.clientID))
	m.h.markOffline(wsConn)
	m.svc.Release(roomID)
	logging.Info().Str("room", roomID).Str("client", wsConn.clientID).Msg("session left")
}
