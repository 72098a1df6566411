package core

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := newKeyLock()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := kl.acquire("medicine:1")
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 holder of the same key, saw %d", maxActive)
	}
}

func TestKeyLockDistinctKeysRunInParallel(t *testing.T) {
	kl := newKeyLock()

	releaseA := kl.acquire("medicine:1")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := kl.acquire("medicine:2")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a distinct key blocked behind an unrelated holder")
	}
}

func TestKeyLockMultiKeyNoDeadlock(t *testing.T) {
	kl := newKeyLock()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Opposite orderings on every iteration; sorted acquisition
			// must keep them from deadlocking.
			var release func()
			if i%2 == 0 {
				release = kl.acquire("medicine:1", "customer:MR-1")
			} else {
				release = kl.acquire("customer:MR-1", "medicine:1")
			}
			release()
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("multi-key acquisition deadlocked")
	}
}

func TestKeyLockDuplicateAndEmptyKeys(t *testing.T) {
	kl := newKeyLock()
	release := kl.acquire("medicine:1", "medicine:1", "")
	release()

	// The key must be reacquirable immediately after release.
	release = kl.acquire("medicine:1")
	release()
}

func TestKeyLockEntriesRemovedWhenIdle(t *testing.T) {
	kl := newKeyLock()
	release := kl.acquire("medicine:1", "supplier:2")
	release()

	kl.mu.Lock()
	n := len(kl.locks)
	kl.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle lock map to be empty, has %d entries", n)
	}
}
