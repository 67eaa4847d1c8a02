package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRoomStore 是进程内实现，用于本地开发（Store.Driver=memory）和测试
type MemoryRoomStore struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

var _ RoomStore = (*MemoryRoomStore)(nil)

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{rooms: make(map[string]Room)}
}

func (s *MemoryRoomStore) CreateRoom(_ context.Context, name string) (*Room, error) {
	if name == "" {
		name = DefaultRoomName
	}
	now := time.Now()
	room := Room{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, room.ID)
	}
	s.rooms[room.ID] = room
	return &room, nil
}

func (s *MemoryRoomStore) GetRoom(_ context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (s *MemoryRoomStore) PutRoom(_ context.Context, roomID, content string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if version <= room.Version {
		return fmt.Errorf("stale write for room %s at version %d", roomID, version)
	}
	room.Content = content
	room.Version = version
	room.UpdatedAt = time.Now()
	s.rooms[roomID] = room
	return nil
}

// DeleteRoom 模拟房间在会话期间被外部删除
func (s *MemoryRoomStore) DeleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
