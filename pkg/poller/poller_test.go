package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/launchpad/pkg/api/client"
)

func sequence(statuses ...string) (FetchFunc, *atomic.Int32) {
	var calls atomic.Int32
	fetch := func(_ context.Context, deployID string) (client.StatusDocument, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		return client.StatusDocument{DeployID: deployID, DeployStatus: statuses[n]}, nil
	}
	return fetch, &calls
}

func TestRunStopsAfterReadyAndFiresOnReadyOnce(t *testing.T) {
	fetch, calls := sequence(client.DeployStatusCreating, client.DeployStatusBuilding, client.DeployStatusReady, client.DeployStatusReady)
	p := New(fetch, Options{Interval: 5 * time.Millisecond, Timeout: time.Second})

	var ready atomic.Int32
	var seen []string
	res := p.Run(context.Background(), "dep-1", Handlers{
		OnStatus: func(doc client.StatusDocument) { seen = append(seen, doc.DeployStatus) },
		OnReady:  func(client.StatusDocument) { ready.Add(1) },
	})
	if res.Reason != ReasonTerminal || res.Last == nil || res.Last.DeployStatus != client.DeployStatusReady {
		t.Fatalf("unexpected result %+v", res)
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected no fetches after ready, got %d", got)
	}
	if ready.Load() != 1 {
		t.Fatalf("expected OnReady exactly once, got %d", ready.Load())
	}
	if len(seen) != 3 || res.Fetches != 3 {
		t.Fatalf("unexpected statuses %v (fetches %d)", seen, res.Fetches)
	}
}

func TestRunStopsOnErrorWithoutOnReady(t *testing.T) {
	fetch, calls := sequence(client.DeployStatusCreating, client.DeployStatusError)
	p := New(fetch, Options{Interval: time.Millisecond, Timeout: time.Second})
	res := p.Run(context.Background(), "dep-1", Handlers{
		OnReady: func(client.StatusDocument) { t.Fatalf("OnReady must not fire on error") },
	})
	if res.Reason != ReasonTerminal || calls.Load() != 2 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls.Load())
	}
}

func TestRunStopsOnFailedFork(t *testing.T) {
	var calls atomic.Int32
	fetch := func(_ context.Context, deployID string) (client.StatusDocument, error) {
		calls.Add(1)
		return client.StatusDocument{DeployID: deployID, ForkStatus: client.ForkStatusFailed, DeployStatus: client.DeployStatusPending}, nil
	}
	p := New(fetch, Options{Interval: time.Millisecond, Timeout: time.Second})
	res := p.Run(context.Background(), "dep-1", Handlers{
		OnReady: func(client.StatusDocument) { t.Fatalf("OnReady must not fire on a failed fork") },
	})
	if res.Reason != ReasonTerminal || res.Fetches != 1 || calls.Load() != 1 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls.Load())
	}
	if res.Last == nil || !res.Last.Failed() {
		t.Fatalf("expected the failed document, got %+v", res.Last)
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context, string) (client.StatusDocument, error) {
		close(entered)
		<-release
		return client.StatusDocument{DeployStatus: client.DeployStatusReady}, nil
	}
	p := New(fetch, Options{Interval: time.Millisecond, Timeout: time.Second})

	var applied atomic.Bool
	out := p.Start(context.Background(), "dep-1", Handlers{
		OnStatus: func(client.StatusDocument) { applied.Store(true) },
		OnReady:  func(client.StatusDocument) { applied.Store(true) },
	})
	<-entered
	p.Stop()
	res := <-out
	close(release)
	time.Sleep(10 * time.Millisecond)

	if res.Reason != ReasonCanceled {
		t.Fatalf("expected canceled, got %s", res.Reason)
	}
	if applied.Load() {
		t.Fatalf("result delivered after teardown must be discarded")
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatalf("poll did not finish")
	}
}

func TestFetchesNeverOverlapAcrossRestart(t *testing.T) {
	var active, peak atomic.Int32
	fetch := func(context.Context, string) (client.StatusDocument, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return client.StatusDocument{DeployStatus: client.DeployStatusBuilding}, nil
	}
	p := New(fetch, Options{Interval: time.Millisecond, Timeout: time.Second})

	p.Start(context.Background(), "dep-1", Handlers{})
	time.Sleep(5 * time.Millisecond)
	out := p.Start(context.Background(), "dep-1", Handlers{})
	time.Sleep(80 * time.Millisecond)
	p.Stop()
	<-out
	time.Sleep(30 * time.Millisecond)

	if peak.Load() != 1 {
		t.Fatalf("expected single-flight fetches, saw %d concurrent", peak.Load())
	}
}

func TestIntervalCountsFromFetchCompletion(t *testing.T) {
	const (
		work     = 15 * time.Millisecond
		interval = 10 * time.Millisecond
	)
	var mu sync.Mutex
	var starts, ends []time.Time
	fetch := func(context.Context, string) (client.StatusDocument, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		time.Sleep(work)
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		if n == 4 {
			return client.StatusDocument{DeployStatus: client.DeployStatusReady}, nil
		}
		return client.StatusDocument{DeployStatus: client.DeployStatusBuilding}, nil
	}
	p := New(fetch, Options{Interval: interval, Timeout: time.Second})
	if res := p.Run(context.Background(), "dep-1", Handlers{}); res.Reason != ReasonTerminal {
		t.Fatalf("unexpected result %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(ends[i-1]); gap < interval {
			t.Fatalf("fetch %d started %s after previous completion, want >= %s", i, gap, interval)
		}
	}
}

func TestRunReportsStalled(t *testing.T) {
	fetch, _ := sequence(client.DeployStatusBuilding)
	p := New(fetch, Options{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	res := p.Run(context.Background(), "dep-1", Handlers{})
	if res.Reason != ReasonStalled {
		t.Fatalf("expected stalled, got %s", res.Reason)
	}
	if res.Last == nil || res.Last.DeployStatus != client.DeployStatusBuilding {
		t.Fatalf("expected last observed document, got %+v", res.Last)
	}
}

func TestFetchErrorsAreReportedUnlessFatal(t *testing.T) {
	transient := errors.New("connection reset")
	var calls atomic.Int32
	fetch := func(context.Context, string) (client.StatusDocument, error) {
		if calls.Add(1) < 3 {
			return client.StatusDocument{}, transient
		}
		return client.StatusDocument{DeployStatus: client.DeployStatusReady}, nil
	}
	var reported atomic.Int32
	p := New(fetch, Options{Interval: time.Millisecond, Timeout: time.Second})
	res := p.Run(context.Background(), "dep-1", Handlers{OnError: func(error) { reported.Add(1) }})
	if res.Reason != ReasonTerminal || reported.Load() != 2 {
		t.Fatalf("expected two reported errors then ready, got %+v (%d)", res, reported.Load())
	}

	notFound := client.APIError{Status: 404, Message: "deployment not found"}
	p = New(func(context.Context, string) (client.StatusDocument, error) {
		return client.StatusDocument{}, notFound
	}, Options{Interval: time.Millisecond, Timeout: time.Second, Fatal: client.IsNotFound})
	res = p.Run(context.Background(), "dep-1", Handlers{})
	if res.Reason != ReasonFailed || !client.IsNotFound(res.Err) || res.Fetches != 1 {
		t.Fatalf("expected fatal stop, got %+v", res)
	}
}

func TestRunRequiresDeployID(t *testing.T) {
	fetch, calls := sequence(client.DeployStatusReady)
	res := New(fetch, Options{}).Run(context.Background(), " ", Handlers{})
	if !errors.Is(res.Err, ErrEmptyDeployID) || calls.Load() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDefaults(t *testing.T) {
	p := New(nil, Options{})
	if p.opts.Interval != 3*time.Second || p.opts.Timeout != 120*time.Second {
		t.Fatalf("unexpected defaults %+v", p.opts)
	}
}
