package crm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
)

// keyedMutex serializes work per string key. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live keys
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Lock keys. A record key (local or remote) is always taken first and the
// identity key, when needed, second; identity holders take no further locks.

func localKey(connectionID uuid.UUID, t crm.EntityType, id int64) string {
	return fmt.Sprintf("local:%s:%s:%d", connectionID, t, id)
}

func remoteKey(connectionID uuid.UUID, entity, id string) string {
	return fmt.Sprintf("remote:%s:%s:%s", connectionID, strings.ToLower(entity), strings.ToLower(id))
}

func identityKey(connectionID uuid.UUID, t crm.EntityType, naturalKey string) string {
	return fmt.Sprintf("identity:%s:%s:%s", connectionID, t, strings.ToLower(strings.TrimSpace(naturalKey)))
}
