package fmtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
)

type recordingExpirer struct {
	mu      sync.Mutex
	expired []ProdIndex
	notify  chan ProdIndex
}

func newRecordingExpirer() *recordingExpirer {
	return &recordingExpirer{notify: make(chan ProdIndex, 16)}
}

func (e *recordingExpirer) OnTimerExpired(prodIndex ProdIndex) {
	e.mu.Lock()
	e.expired = append(e.expired, prodIndex)
	e.mu.Unlock()
	e.notify <- prodIndex
}

func waitForExpiry(t *testing.T, ch chan ProdIndex, want ProdIndex) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for prodindex %v to expire", want)
	}
}

func TestProductTimerExpiresInDeadlineOrder(t *testing.T) {
	expirer := newRecordingExpirer()
	timer := NewProductTimer(expirer, logger.Nop())
	timer.Start()
	defer timer.Stop()

	now := time.Now()
	timer.Arm(ProdIndex(1), now.Add(100*time.Millisecond))
	timer.Arm(ProdIndex(2), now.Add(20*time.Millisecond))

	waitForExpiry(t, expirer.notify, ProdIndex(2))
	waitForExpiry(t, expirer.notify, ProdIndex(1))
}

func TestProductTimerDisarmPreventsExpiry(t *testing.T) {
	expirer := newRecordingExpirer()
	timer := NewProductTimer(expirer, logger.Nop())
	timer.Start()
	defer timer.Stop()

	timer.Arm(ProdIndex(3), time.Now().Add(20*time.Millisecond))
	timer.Disarm(ProdIndex(3))

	select {
	case got := <-expirer.notify:
		t.Fatalf("expected no expiry, got %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProductTimerRearm(t *testing.T) {
	expirer := newRecordingExpirer()
	timer := NewProductTimer(expirer, logger.Nop())
	timer.Start()
	defer timer.Stop()

	timer.Arm(ProdIndex(4), time.Now().Add(10*time.Millisecond))
	timer.Arm(ProdIndex(4), time.Now().Add(60*time.Millisecond))

	start := time.Now()
	waitForExpiry(t, expirer.notify, ProdIndex(4))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestProductTimerStopJoinsCleanly(t *testing.T) {
	expirer := newRecordingExpirer()
	timer := NewProductTimer(expirer, logger.Nop())
	timer.Start()
	timer.Arm(ProdIndex(5), time.Now().Add(time.Hour))

	done := make(chan struct{})
	go func() {
		timer.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; run() goroutine likely leaked")
	}
}
