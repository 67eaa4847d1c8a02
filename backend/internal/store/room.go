package store

import (
	"context"
	"errors"
	"time"
)

const DefaultRoomName = "Untitled Room"

var (
	ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")
	ErrRoomExists   = errors.New("ROOM_EXISTS")
)

// Room 是房间及其文档的持久化形态，房间 ID 即文档主键
type Room struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Content   string    `gorm:"type:longtext;not null" json:"content"`
	Version   uint64    `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Room) TableName() string { return "rooms" }

// RoomStore 是房间持久化的完整契约；协作引擎只用到 GetRoom/PutRoom
type RoomStore interface {
	CreateRoom(ctx context.Context, name string) (*Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	PutRoom(ctx context.Context, roomID, content string, version uint64) error
}
