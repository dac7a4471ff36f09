package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/rag-chat/internal/core/domain"
)

// KeyedMutex はプロセス内で会話IDごとの排他を行う Locker 実装
type KeyedMutex struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*lockSlot
	timeout time.Duration
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex は新しい KeyedMutex を作成する
// timeout が正の場合、その時間を超えて待機すると ErrConcurrencyConflict を返す
func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{
		slots:   make(map[uuid.UUID]*lockSlot),
		timeout: timeout,
	}
}

// Lock は会話IDのロックを取得する
func (m *KeyedMutex) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	slot := m.acquireSlot(id)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseSlot(id, slot)
		return nil, fmt.Errorf("%w: conversation %s is busy: %w", domain.ErrConcurrencyConflict, id, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			m.releaseSlot(id, slot)
		})
	}, nil
}

func (m *KeyedMutex) acquireSlot(id uuid.UUID) *lockSlot {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		m.slots[id] = slot
	}
	slot.refs++
	return slot
}

func (m *KeyedMutex) releaseSlot(id uuid.UUID, slot *lockSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(m.slots, id)
	}
}

var _ Locker = (*KeyedMutex)(nil)
