package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/metrics"
	"collabOT/backend/internal/ot"
	"collabOT/backend/internal/store"
)

var (
	ErrRoomNotFound  = errors.New("ROOM_NOT_FOUND")
	ErrStaleBase     = errors.New("STALE_BASE_VERSION")
	ErrPersistFailed = errors.New("PERSIST_FAILED")
)

// RoomStore 只声明协作引擎用到的部分，实现在 store 中
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	PutRoom(ctx context.Context, roomID, content string, version uint64) error
}

// Broadcaster 在房间锁内被调用：把 entry 推给房间内除 origin 以外的会话，并给 origin 回 ack。
// 实现不能阻塞。
type Broadcaster interface {
	BroadcastOp(roomID string, entry ot.Entry, originClientID string)
}

// EventSink 接收已提交操作的事件（Kafka），同样在房间锁内调用，不能阻塞
type EventSink interface {
	TryEnqueue(evt DocOpEvent) bool
}

type Snapshot struct {
	RoomID  string
	Content string
	Version uint64
}

type Options struct {
	HistoryLimit   int
	PersistTimeout time.Duration
}

// docState 是单个房间的权威状态。mu 同时保护 content、version 和 history，
// 变换、持久化、提交、记录、广播整段都在 mu 内完成。
type docState struct {
	mu      sync.Mutex
	content string
	version uint64
	history *ot.History

	// 引用计数，由 InMemoryService.mu 保护
	refs int
}

// Service 是协作引擎对连接层暴露的能力
type Service interface {
	Join(ctx context.Context, roomID string, fn func(Snapshot)) error
	Release(roomID string)
	Resync(roomID string, fn func(Snapshot)) error
	Submit(ctx context.Context, roomID, clientID string, op ot.Operation) (ot.Entry, error)
	CurrentVersion(ctx context.Context, roomID string) (uint64, error)
	CurrentContent(ctx context.Context, roomID string) (string, error)
	OpsSince(roomID string, fromVersion uint64, limit int) ([]ot.Entry, error)
	LoadedRooms() int
}

var _ Service = (*InMemoryService)(nil)

// InMemoryService 把所有活跃房间的状态放在内存里，写入经 RoomStore 持久化。
// 不同房间之间只在访问 docs map 时短暂竞争 mu。
type InMemoryService struct {
	mu        sync.Mutex
	docs      map[string]*docState
	evictions uint64

	loads singleflight.Group

	rooms  RoomStore
	bc     Broadcaster
	events EventSink

	historyLimit   int
	persistTimeout time.Duration
}

func NewInMemoryService(rooms RoomStore, bc Broadcaster, events EventSink, opt Options) *InMemoryService {
	if opt.HistoryLimit <= 0 {
		opt.HistoryLimit = ot.DefaultHistoryLimit
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = 3 * time.Second
	}
	return &InMemoryService{
		docs:           make(map[string]*docState),
		rooms:          rooms,
		bc:             bc,
		events:         events,
		historyLimit:   opt.HistoryLimit,
		persistTimeout: opt.PersistTimeout,
	}
}

// Join 加载房间（并发加入同一房间时只读一次存储），然后在房间锁内调用 fn。
// 调用方在 fn 里注册会话并发送 sync，这样快照和之后的广播之间不会漏掉或重复任何操作。
// 每次成功的 Join 都要对应一次 Release。
func (s *InMemoryService) Join(ctx context.Context, roomID string, fn func(Snapshot)) error {
	ds, err := s.acquire(ctx, roomID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	fn(Snapshot{RoomID: roomID, Content: ds.content, Version: ds.version})
	return nil
}

// Release 释放一次 Join；最后一个会话离开后丢弃内存状态，下次加入时从存储重新加载
func (s *InMemoryService) Release(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.docs[roomID]
	if ds == nil {
		return
	}
	ds.refs--
	if ds.refs <= 0 {
		delete(s.docs, roomID)
		s.evictions++
		metrics.RoomsLoaded.Dec()
	}
}

func (s *InMemoryService) acquire(ctx context.Context, roomID string) (*docState, error) {
	for {
		s.mu.Lock()
		if ds := s.docs[roomID]; ds != nil {
			ds.refs++
			s.mu.Unlock()
			return ds, nil
		}
		epoch := s.evictions
		s.mu.Unlock()

		v, err, _ := s.loads.Do(roomID, func() (any, error) {
			return s.rooms.GetRoom(ctx, roomID)
		})
		if err != nil {
			if errors.Is(err, store.ErrRoomNotFound) {
				return nil, ErrRoomNotFound
			}
			return nil, fmt.Errorf("load room %s: %w", roomID, err)
		}
		room := v.(*store.Room)

		s.mu.Lock()
		if s.evictions != epoch {
			// 加载期间有房间被回收，读到的可能是回收前的旧快照，重来
			s.mu.Unlock()
			continue
		}
		ds := s.docs[roomID]
		if ds == nil {
			ds = &docState{
				content: room.Content,
				version: room.Version,
				history: ot.NewHistory(s.historyLimit),
			}
			s.docs[roomID] = ds
			metrics.RoomsLoaded.Inc()
		}
		ds.refs++
		s.mu.Unlock()
		return ds, nil
	}
}

func (s *InMemoryService) lookup(roomID string) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[roomID]
}

// Submit 变换并提交一个操作，返回写入历史的记录。
//
// 顺序：校验 → 检查历史窗口 → 变换 → 计算新内容 → 持久化 → 更新内存 → 记录历史 → 广播。
// 持久化先于内存更新，失败时房间状态保持不变。
func (s *InMemoryService) Submit(ctx context.Context, roomID, clientID string, op ot.Operation) (ot.Entry, error) {
	if err := op.Validate(); err != nil {
		metrics.OpsRejected.WithLabelValues("invalid").Inc()
		return ot.Entry{}, err
	}
	op = op.Normalize()

	ds := s.lookup(roomID)
	if ds == nil {
		metrics.OpsRejected.WithLabelValues("not_found").Inc()
		return ot.Entry{}, ErrRoomNotFound
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	if !ds.history.Covers(op.BaseVersion, ds.version) {
		metrics.OpsRejected.WithLabelValues("stale").Inc()
		return ot.Entry{}, fmt.Errorf("%w: base %d, current %d, oldest retained %d",
			ErrStaleBase, op.BaseVersion, ds.version, ds.history.Oldest())
	}

	// 记录和广播的是夹到文档范围后的操作，与实际作用到内容上的一致
	transformed := ot.Transform(op, ds.history.Since(op.BaseVersion)).ClampTo(ds.content)
	next := ds.version + 1
	content := ot.Apply(ds.content, transformed)

	// 连接断开不应打断正在进行的持久化
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	err := s.rooms.PutRoom(pctx, roomID, content, next)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			metrics.OpsRejected.WithLabelValues("not_found").Inc()
			return ot.Entry{}, ErrRoomNotFound
		}
		metrics.OpsRejected.WithLabelValues("persist").Inc()
		return ot.Entry{}, fmt.Errorf("%w: room %s version %d: %v", ErrPersistFailed, roomID, next, err)
	}

	transformed.BaseVersion = next
	entry := ot.Entry{Op: transformed, Version: next}
	ds.content = content
	ds.version = next
	if err := ds.history.Record(entry); err != nil {
		// 版本只在这里递增，理论上不会发生
		logging.Error().Err(err).Str("room", roomID).Msg("history record failed")
	}
	metrics.OpsCommitted.Inc()

	if s.bc != nil {
		s.bc.BroadcastOp(roomID, entry, clientID)
	}
	if s.events != nil {
		s.events.TryEnqueue(DocOpEvent{
			EventType:   EventOpApplied,
			RoomID:      roomID,
			OperationID: uuid.NewString(),
			Version:     next,
			BaseVersion: op.BaseVersion,
			ClientID:    clientID,
			Op:          transformed,
			AppliedAt:   time.Now(),
		})
	}
	return entry, nil
}

// Resync 在房间锁内把当前快照交给 fn，用于给落后太多的客户端重发 sync。
// 和 Join 不同，它不增加引用计数，房间必须已经加载。
func (s *InMemoryService) Resync(roomID string, fn func(Snapshot)) error {
	ds := s.lookup(roomID)
	if ds == nil {
		return ErrRoomNotFound
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	fn(Snapshot{RoomID: roomID, Content: ds.content, Version: ds.version})
	return nil
}

// CurrentVersion 优先读内存中的状态，房间未加载时读存储
func (s *InMemoryService) CurrentVersion(ctx context.Context, roomID string) (uint64, error) {
	snap, err := s.current(ctx, roomID)
	return snap.Version, err
}

func (s *InMemoryService) CurrentContent(ctx context.Context, roomID string) (string, error) {
	snap, err := s.current(ctx, roomID)
	return snap.Content, err
}

func (s *InMemoryService) current(ctx context.Context, roomID string) (Snapshot, error) {
	if ds := s.lookup(roomID); ds != nil {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		return Snapshot{RoomID: roomID, Content: ds.content, Version: ds.version}, nil
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return Snapshot{}, ErrRoomNotFound
		}
		return Snapshot{}, err
	}
	return Snapshot{RoomID: roomID, Content: room.Content, Version: room.Version}, nil
}

// OpsSince 返回 fromVersion 之后仍在保留窗口内的已提交操作，limit<=0 表示不限
func (s *InMemoryService) OpsSince(roomID string, fromVersion uint64, limit int) ([]ot.Entry, error) {
	ds := s.lookup(roomID)
	if ds == nil {
		return nil, ErrRoomNotFound
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := ds.history.Since(fromVersion)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadedRooms 返回当前在内存中的房间数
func (s *InMemoryService) LoadedRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
