package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Room{}); err != nil {
		return nil, fmt.Errorf("migrate rooms: %w", err)
	}
	return db, nil
}

type GormRoomStore struct{ db *gorm.DB }

var _ RoomStore = (*GormRoomStore)(nil)

func NewGormRoomStore(db *gorm.DB) *GormRoomStore {
	return &GormRoomStore{db: db}
}

func (s *GormRoomStore) CreateRoom(ctx context.Context, name string) (*Room, error) {
	if name == "" {
		name = DefaultRoomName
	}
	room := &Room{ID: uuid.NewString(), Name: name}
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, fmt.Errorf("%w: %s", ErrRoomExists, room.ID)
		}
		return nil, err
	}
	return room, nil
}

func (s *GormRoomStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// PutRoom 只在版本前进时写入，避免乱序写回把较新的内容覆盖掉
func (s *GormRoomStore) PutRoom(ctx context.Context, roomID, content string, version uint64) error {
	res := s.db.WithContext(ctx).Model(&Room{}).
		Where("id = ? AND version < ?", roomID, version).
		Updates(map[string]any{"content": content, "version": version})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrRoomNotFound
		}
		return fmt.Errorf("stale write for room %s at version %d", roomID, version)
	}
	return nil
}
