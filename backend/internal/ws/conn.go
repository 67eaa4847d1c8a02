package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabOT/backend/internal/collab"
	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/ot"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Conn 是一个已加入房间的会话：一个读 goroutine 提交操作，一个写 goroutine 消费 send。
// send 从不关闭，会话结束统一通过 done 通知，这样 Hub 在任何时候投递都不会 panic。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	roomID   string
	clientID string

	send chan ServerMessage

	done      chan struct{}
	closeOnce sync.Once

	// 限制单个连接的提交速率
	limiter *rate.Limiter
}

func newConn(ws *websocket.Conn, hub *Hub, svc collab.Service, roomID, clientID string, opt Options) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		roomID:   roomID,
		clientID: clientID,
		send:     make(chan ServerMessage, opt.SendBuffer),
		done:     make(chan struct{}),
		limiter:  opt.limiter(),
	}
}

// enqueue 非阻塞投递，会话已结束或队列已满时返回 false
func (c *Conn) enqueue(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logging.Debug().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("websocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.enqueue(NewError(errorCode(err), err.Error()))
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.handleOp(ctx, *msg.Op)
	}
}

func (c *Conn) handleOp(ctx context.Context, op ot.Operation) {
	_, err := c.svc.Submit(ctx, c.roomID, c.clientID, op)
	switch {
	case err == nil:
		// ack 已由 Hub 在房间锁内投递
	case errors.Is(err, collab.ErrStaleBase):
		// 客户端落后太多或版本来自未来：丢弃这次操作，重发完整快照
		logging.Debug().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("resync client")
		c.resync()
	case errors.Is(err, ot.ErrInvalidOperation):
		c.enqueue(NewError(CodeInvalidOp, err.Error()))
	case errors.Is(err, collab.ErrPersistFailed):
		logging.Error().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("persist op failed")
		c.enqueue(NewError(CodePersistFailed, "operation was not applied"))
	case errors.Is(err, collab.ErrRoomNotFound):
		// 房间在会话期间被删除，忽略
		logging.Debug().Str("room", c.roomID).Str("client", c.clientID).Msg("op for missing room ignored")
	default:
		logging.Error().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("submit op failed")
		c.enqueue(NewError(CodeInternal, "internal error"))
	}
}

// resync 在房间锁内投递 sync，之后的广播一定排在它后面
func (c *Conn) resync() {
	err := c.svc.Resync(c.roomID, func(snap collab.Snapshot) {
		if !c.enqueue(NewSync(snap.Content, snap.Version, c.clientID)) {
			c.close()
		}
	})
	if err != nil {
		logging.Debug().Err(err).Str("room", c.roomID).Msg("resync skipped")
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
			c.hub.markOnline(c)
		case <-c.done:
			// 把已经排队的消息尽量发完再断开
			for {
				select {
				case msg := <-c.send:
					if c.write(msg) != nil {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Conn) write(msg ServerMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		logging.Error().Err(err).Str("type", msg.MessageType()).Msg("encode server message failed")
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}
