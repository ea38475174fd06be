// Package poller keeps a client's view of a deployment job fresh by fetching
// its status document on a fixed cadence until the job is terminal.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/pkg/api/client"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 120 * time.Second
)

// ErrEmptyDeployID is reported when Run is called without a job.
var ErrEmptyDeployID = errors.New("poller: deploy id required")

// FetchFunc retrieves the current status document of a job.
type FetchFunc func(ctx context.Context, deployID string) (client.StatusDocument, error)

// Options tune a Poller. Zero values take the defaults.
type Options struct {
	// Interval is the pause between the end of one fetch and the start of the next.
	Interval time.Duration
	// Timeout bounds the whole poll; reaching it reports ReasonStalled.
	Timeout time.Duration
	// Fatal reports fetch errors that end polling immediately. Other errors
	// are passed to OnError and polling continues.
	Fatal func(error) bool
}

// Handlers receive poll events on the polling goroutine.
type Handlers struct {
	OnStatus func(client.StatusDocument)
	OnError  func(error)
	// OnReady fires exactly once, before polling stops, when the job is ready.
	OnReady func(client.StatusDocument)
}

// Reason explains why a poll ended.
type Reason string

const (
	ReasonTerminal Reason = "terminal"
	ReasonCanceled Reason = "canceled"
	ReasonStalled  Reason = "stalled"
	ReasonFailed   Reason = "failed"
)

// Result summarises a finished poll.
type Result struct {
	Reason  Reason
	Last    *client.StatusDocument
	Fetches int
	Err     error
}

// Poller runs at most one poll and at most one fetch at a time.
type Poller struct {
	fetch FetchFunc
	opts  Options

	// slot holds a token while a fetch is outstanding, including fetches
	// abandoned by a canceled poll that have not returned yet.
	slot chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type fetchResult struct {
	doc client.StatusDocument
	err error
}

// New constructs a Poller.
func New(fetch FetchFunc, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Poller{fetch: fetch, opts: opts, slot: make(chan struct{}, 1)}
}

// Start polls in the background, stopping any poll already running. The
// returned channel yields the Result and is then closed.
func (p *Poller) Start(ctx context.Context, deployID string, h Handlers) <-chan Result {
	p.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	out := make(chan Result, 1)

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(out)
		defer close(done)
		defer cancel()
		out <- p.Run(runCtx, deployID, h)
	}()
	return out
}

// Stop cancels the running poll. Results of a fetch that is still in
// flight are discarded. Stop does not wait, so it is safe to call from a handler.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the poll started by the last Start call has returned.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// Run polls deployID until the job is terminal, ctx is canceled or the
// timeout elapses.
func (p *Poller) Run(ctx context.Context, deployID string, h Handlers) Result {
	if strings.TrimSpace(deployID) == "" {
		return Result{Reason: ReasonFailed, Err: ErrEmptyDeployID}
	}
	deadline := time.NewTimer(p.opts.Timeout)
	defer deadline.Stop()

	var res Result
	for {
		select {
		case p.slot <- struct{}{}:
		case <-ctx.Done():
			res.Reason = ReasonCanceled
			return res
		case <-deadline.C:
			res.Reason = ReasonStalled
			return res
		}

		results := make(chan fetchResult, 1)
		go func() {
			defer func() { <-p.slot }()
			doc, err := p.fetch(ctx, deployID)
			results <- fetchResult{doc: doc, err: err}
		}()
		res.Fetches++

		var got fetchResult
		select {
		case got = <-results:
		case <-ctx.Done():
			res.Reason = ReasonCanceled
			return res
		case <-deadline.C:
			res.Reason = ReasonStalled
			return res
		}
		if ctx.Err() != nil {
			res.Reason = ReasonCanceled
			return res
		}

		if got.err != nil {
			if p.opts.Fatal != nil && p.opts.Fatal(got.err) {
				res.Reason = ReasonFailed
				res.Err = got.err
				return res
			}
			if h.OnError != nil {
				h.OnError(got.err)
			}
		} else {
			doc := got.doc
			res.Last = &doc
			if h.OnStatus != nil {
				h.OnStatus(doc)
			}
			if doc.Terminal() {
				if doc.DeployStatus == client.DeployStatusReady && h.OnReady != nil {
					h.OnReady(doc)
				}
				res.Reason = ReasonTerminal
				return res
			}
		}

		wait := time.NewTimer(p.opts.Interval)
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			res.Reason = ReasonCanceled
			return res
		case <-deadline.C:
			wait.Stop()
			res.Reason = ReasonStalled
			return res
		}
	}
}
