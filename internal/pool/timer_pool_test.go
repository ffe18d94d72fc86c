package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerPool_GetPut(t *testing.T) {
	require := require.New(t)

	timer := GetTimer(20 * time.Millisecond)
	require.NotNil(timer)
	PutTimer(timer)

	timer = GetTimer(20 * time.Millisecond)
	defer PutTimer(timer)

	select {
	case <-timer.C:
	case <-time.After(time.Second):
		require.Fail("pooled timer did not fire")
	}
}

func TestTimerPool_PutActiveTimer(t *testing.T) {
	timer := GetTimer(50 * time.Millisecond)
	PutTimer(timer)

	begin := time.Now()
	timer = GetTimer(150 * time.Millisecond)
	defer PutTimer(timer)

	fired := <-timer.C
	require.GreaterOrEqual(t, fired.Sub(begin), 120*time.Millisecond)
}

func TestResetTimer_ExtendsDeadline(t *testing.T) {
	timer := GetTimer(60 * time.Millisecond)
	defer PutTimer(timer)

	// reset before expiry, as a streaming exchange does on every message
	time.Sleep(40 * time.Millisecond)
	begin := time.Now()
	ResetTimer(timer, 60*time.Millisecond)

	fired := <-timer.C
	require.GreaterOrEqual(t, fired.Sub(begin), 50*time.Millisecond)
}

func TestResetTimer_AfterExpiry(t *testing.T) {
	timer := GetTimer(time.Millisecond)
	defer PutTimer(timer)

	time.Sleep(20 * time.Millisecond) // expired and not received
	ResetTimer(timer, 100*time.Millisecond)

	select {
	case <-timer.C:
		require.Fail(t, "stale expiry leaked through reset")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTimerPool_Concurrency(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer := GetTimer(5 * time.Millisecond)
			defer PutTimer(timer)
			<-timer.C
		}()
	}
	wg.Wait()
}
