package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"whisperwall/pkg/domain"
)

type LRU struct {
	c  *lru.Cache[uint64, item]
	mu sync.Mutex
}
type item struct {
	whisper *domain.Whisper
	exp     time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[uint64, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ctx context.Context, id uint64) *domain.Whisper {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.whisper
}
func (l *LRU) Set(ctx context.Context, w *domain.Whisper, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(w.ID, item{
		whisper: w,
		exp:     time.Now().Add(ttl),
	})
}
func (l *LRU) Delete(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
