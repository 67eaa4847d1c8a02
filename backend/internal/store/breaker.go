package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/metrics"
)

type BreakerOptions struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// BreakerStore 给底层 RoomStore 套一层熔断，连续失败后直接快速失败。
// ErrRoomNotFound 不计为失败。
type BreakerStore struct {
	next RoomStore
	cb   *gobreaker.CircuitBreaker[*Room]
}

var _ RoomStore = (*BreakerStore)(nil)

func NewBreakerStore(next RoomStore, opt BreakerOptions) *BreakerStore {
	if opt.FailureThreshold == 0 {
		opt.FailureThreshold = 5
	}
	if opt.OpenTimeout <= 0 {
		opt.OpenTimeout = 10 * time.Second
	}
	metrics.StoreBreakerState.Set(float64(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[*Room](gobreaker.Settings{
		Name:        "room-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opt.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opt.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRoomNotFound)
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

func (s *BreakerStore) CreateRoom(ctx context.Context, name string) (*Room, error) {
	return s.cb.Execute(func() (*Room, error) { return s.next.CreateRoom(ctx, name) })
}

func (s *BreakerStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return s.cb.Execute(func() (*Room, error) { return s.next.GetRoom(ctx, roomID) })
}

func (s *BreakerStore) PutRoom(ctx context.Context, roomID, content string, version uint64) error {
	_, err := s.cb.Execute(func() (*Room, error) {
		return nil, s.next.PutRoom(ctx, roomID, content, version)
	})
	return err
}

func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }
