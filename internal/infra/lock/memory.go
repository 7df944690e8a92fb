package lock

import (
	"context"
	"sync"
	"time"

	"shipment-notifier/internal/domain"
)

// MemoryLocker — блокировка внутри процесса для запуска без Redis.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]lease
	now    func() time.Time
	serial uint64
}

type lease struct {
	id      uint64
	expires time.Time
}

var _ domain.Locker = (*MemoryLocker)(nil)

// NewMemory создаёт блокировку в памяти.
func NewMemory() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]lease), now: time.Now}
}

// TryLock захватывает ключ на ttl. Просроченная блокировка считается свободной.
func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.serial++
	id := l.serial
	l.held[key] = lease{id: id, expires: now.Add(ttl)}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.id == id {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
