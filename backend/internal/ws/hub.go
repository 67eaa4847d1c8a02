package ws

import (
	"context"
	"slices"
	"sync"
	"time"

	"collabOT/backend/internal/cache"
	"collabOT/backend/internal/collab"
	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/metrics"
	"collabOT/backend/internal/ot"
)

const (
	presenceTTL     = 2 * time.Minute
	presenceTimeout = time.Second
)

var _ collab.Broadcaster = (*Hub)(nil)

// Hub 是会话注册表：按房间记录连接，负责把消息投递到各连接的发送队列。
// 投递永远不阻塞，队列满或已关闭的会话直接踢掉。
type Hub struct {
	// 可选；为 nil 时只统计本进程内的会话
	presence cache.PresenceCache

	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// clientID -> connection
	clients map[string]*Conn
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{
		presence: p,
		rooms:    make(map[string]map[*Conn]struct{}),
		clients:  make(map[string]*Conn),
	}
}

// Join 将连接加入它所属的房间
func (h *Hub) Join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.roomID] == nil {
		h.rooms[c.roomID] = make(map[*Conn]struct{})
	}
	h.rooms[c.roomID][c] = struct{}{}
	h.clients[c.clientID] = c
	metrics.SessionsActive.Inc()
}

// Leave 将连接移出房间，返回它此前是否还在注册表里
func (h *Hub) Leave(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Conn) bool {
	conns, ok := h.rooms[c.roomID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, c.roomID)
	}
	if h.clients[c.clientID] == c {
		delete(h.clients, c.clientID)
	}
	metrics.SessionsActive.Dec()
	return true
}

// Send 投递给单个会话
func (h *Hub) Send(clientID string, msg ServerMessage) bool {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	if !c.enqueue(msg) {
		h.evict(c)
		return false
	}
	return true
}

// Broadcast 投递给房间内除 exclude 以外的所有会话
func (h *Hub) Broadcast(roomID string, msg ServerMessage, exclude ...string) {
	h.mu.RLock()
	var failed []*Conn
	for c := range h.rooms[roomID] {
		if slices.Contains(exclude, c.clientID) {
			continue
		}
		if !c.enqueue(msg) {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range failed {
		h.evict(c)
	}
}

// BroadcastOp 在房间锁内被协作引擎调用：op 推给其他会话，ack 回给提交者
func (h *Hub) BroadcastOp(roomID string, entry ot.Entry, originClientID string) {
	h.Broadcast(roomID, NewOp(entry.Op), originClientID)
	h.Send(originClientID, NewAck(entry.Version))
}

// Members 返回房间内在线的 clientId。配置了 Redis 时读共享的在线表，否则只看本进程
func (h *Hub) Members(ctx context.Context, roomID string) ([]string, error) {
	if h.presence != nil {
		return h.presence.AliveMembers(ctx, roomID)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		out = append(out, c.clientID)
	}
	slices.Sort(out)
	return out, nil
}

// evict 踢掉投递失败的会话；连接关闭后由它自己的读循环完成 user_left 和 Release
func (h *Hub) evict(c *Conn) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	c.close()
	if removed {
		metrics.SessionsEvicted.Inc()
		logging.Warn().Str("room", c.roomID).Str("client", c.clientID).Msg("delivery failed, session evicted")
	}
}

func (h *Hub) markOnline(c *Conn) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.AddMember(ctx, c.roomID, c.clientID, presenceTTL); err != nil {
		logging.Warn().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("presence add failed")
	}
}

func (h *Hub) markOffline(c *Conn) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, c.roomID, c.clientID); err != nil {
		logging.Warn().Err(err).Str("room", c.roomID).Str("client", c.clientID).Msg("presence remove failed")
	}
}
