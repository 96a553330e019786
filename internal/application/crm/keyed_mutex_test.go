package crm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, k.size())
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	assert.Equal(t, 1, k.size())
	unlockA()
	assert.Zero(t, k.size())
}

func TestLockKeys(t *testing.T) {
	conn := uuid.MustParse("6f1c2a4e-0000-4000-8000-000000000001")
	assert.Equal(t, "local:"+conn.String()+":User:7", localKey(conn, crm.EntityTypeUser, 7))
	assert.Equal(t, remoteKey(conn, "Contact", "ABC"), remoteKey(conn, "contact", "abc"))
	assert.Equal(t, identityKey(conn, crm.EntityTypeUser, " A@x.com "), identityKey(conn, crm.EntityTypeUser, "a@x.com"))
	assert.NotEqual(t, identityKey(conn, crm.EntityTypeUser, "x"), identityKey(conn, crm.EntityTypeCompany, "x"))
}
