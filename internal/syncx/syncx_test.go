package syncx

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSets(t *testing.T) {
	s := NewSets[string]()
	assert.True(t, s.Add("c1", "alice"))
	assert.False(t, s.Add("c1", "alice"))
	assert.True(t, s.Add("c1", "bob"))
	assert.True(t, s.Contains("c1", "bob"))

	members := s.Members("c1")
	sort.Strings(members)
	assert.Equal(t, []string{"alice", "bob"}, members)

	assert.True(t, s.Remove("c1", "alice"))
	assert.False(t, s.Remove("c1", "alice"))
	assert.False(t, s.Remove("nope", "alice"))

	assert.Equal(t, []string{"bob"}, s.Take("c1"))
	assert.Empty(t, s.Members("c1"))
}

func TestSetsConcurrentAddCountsOnce(t *testing.T) {
	s := NewSets[int]()
	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("k", 7) {
				added.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), added.Load())
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("user")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
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
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
