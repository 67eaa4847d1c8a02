package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var (
	ErrAcquireTimeout = errors.New("semaphore acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore release failed, not acquired")
)

// SemaphoreControl 用带缓冲的 channel 限制并发数
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
