package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubReleaser struct {
	mutex    sync.Mutex
	cutoffs  []time.Time
	limit    int
	released int
	err      error
}

func (stub *stubReleaser) ExpireStale(_ context.Context, cutoff time.Time, limit int) (int, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.cutoffs = append(stub.cutoffs, cutoff)
	stub.limit = limit
	return stub.released, stub.err
}

func TestSweepOncePassesCutoffAndBatch(test *testing.T) {
	stub := &stubReleaser{released: 3}
	sweeper := New(stub, nil, time.Minute, 30*time.Minute, 25)

	before := time.Now().Add(-30 * time.Minute)
	sweeper.SweepOnce(context.Background())
	after := time.Now().Add(-30 * time.Minute)

	if len(stub.cutoffs) != 1 {
		test.Fatalf("expected one sweep, got %d", len(stub.cutoffs))
	}
	cutoff := stub.cutoffs[0]
	if cutoff.Before(before) || cutoff.After(after) {
		test.Fatalf("cutoff %v not within ttl window", cutoff)
	}
	if stub.limit != 25 {
		test.Fatalf("expected batch size 25, got %d", stub.limit)
	}
}

func TestSweepOnceSurvivesReleaserError(test *testing.T) {
	stub := &stubReleaser{err: errors.New("db down")}
	sweeper := New(stub, nil, time.Minute, time.Minute, 10)
	sweeper.SweepOnce(context.Background())
	if len(stub.cutoffs) != 1 {
		test.Fatalf("expected the sweep attempt to run")
	}
}

func TestStartStopsOnContextCancel(test *testing.T) {
	stub := &stubReleaser{}
	sweeper := New(stub, nil, 5*time.Millisecond, time.Minute, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		test.Fatalf("sweeper did not stop after cancel")
	}

	stub.mutex.Lock()
	sweeps := len(stub.cutoffs)
	stub.mutex.Unlock()
	if sweeps == 0 {
		test.Fatalf("expected at least one tick before cancel")
	}
}
