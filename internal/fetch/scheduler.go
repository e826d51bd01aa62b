package fetch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// State is the position of a request in its lifecycle.
//
// Pending -> InFlight -> Verifying -> Done, with Verifying or InFlight
// falling back to Retrying and then InFlight again. Failed and Cancelled
// are terminal like Done.
type State int

// Request states.
const (
	StatePending State = iota
	StateInFlight
	StateVerifying
	StateRetrying
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateVerifying:
		return "verifying"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// OutcomeKind is the terminal result of a request.
type OutcomeKind int

// Outcome kinds.
const (
	Fetched OutcomeKind = iota
	AlreadyValid
	Failed
	Cancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case Fetched:
		return "fetched"
	case AlreadyValid:
		return "already-valid"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is reported exactly once per distinct destination.
type Outcome struct {
	Request *apt.FetchRequest
	Kind    OutcomeKind

	// Bytes is the size of the archive that was downloaded or found.
	Bytes int64
	// Attempts counts transfer attempts. It is 0 for archives that
	// were already present and for requests cancelled before starting.
	Attempts int

	Err     error
	ErrKind ErrorKind

	// Unverified is set on Fetched and AlreadyValid outcomes whose
	// request carried no checksum.
	Unverified bool

	// Submissions is the number of submitted requests that shared
	// this destination.
	Submissions int
}

// Progress is passed to Options.Observer on state changes and for every
// received chunk.
type Progress struct {
	Request *apt.FetchRequest
	State   State
	// Bytes received in the current attempt.
	Bytes int64
	// Total is the declared size, -1 if unknown.
	Total   int64
	Attempt int
}

// RetryPolicy decides whether a failed attempt is repeated and when.
type RetryPolicy struct {
	// MaxAttempts bounds the attempts per request, the first included.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles for
	// each further failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MismatchRetries is how many fresh downloads follow a checksum or
	// size mismatch.
	MismatchRetries int
	// Retryable classifies every other error. DefaultRetryable if nil.
	Retryable func(error) bool
}

// Delay returns the backoff after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Options configures a Session.
type Options struct {
	// MaxConns bounds the transfers in flight.
	MaxConns int
	Retry    RetryPolicy
	// AttemptTimeout bounds a single attempt; zero means no limit.
	AttemptTimeout time.Duration
	// ConnectDelay spaces out the start of transfers.
	ConnectDelay time.Duration
	// Observer, if set, must be safe for concurrent use.
	Observer func(Progress)
}

// DefaultOptions returns the options of a default configuration.
func DefaultOptions() Options {
	return NewConfig().Options()
}

func (o Options) normalize() Options {
	if o.MaxConns < 1 {
		o.MaxConns = defaultMaxConns
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = max(o.Retry.BaseDelay, defaultMaxRetryDelay)
	}
	if o.Retry.MismatchRetries < 0 {
		o.Retry.MismatchRetries = 0
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = DefaultRetryable
	}
	return o
}

// Session downloads archives with bounded concurrency.
// A Session may run several request sets concurrently; the connection
// limit is shared, and a destination already in flight for one of them
// is joined by the others instead of being transferred twice.
type Session struct {
	backend Backend
	store   Store
	opts    Options

	semaphore chan struct{}
	flight    singleflight.Group

	// gate serializes connection starts when ConnectDelay is set.
	gate        chan struct{}
	lastConnect time.Time

	mu       sync.Mutex
	outcomes map[string]*Outcome
}

// NewSession creates a Session.
func NewSession(backend Backend, store Store, opts Options) *Session {
	opts = opts.normalize()

	semaphore := make(chan struct{}, opts.MaxConns)

	// Pre-fill the semaphore with tokens
	for i := 0; i < opts.MaxConns; i++ {
		semaphore <- struct{}{}
	}

	return &Session{
		backend:   backend,
		store:     store,
		opts:      opts,
		semaphore: semaphore,
		gate:      make(chan struct{}, 1),
		outcomes:  make(map[string]*Outcome),
	}
}

// Lookup returns the outcome recorded for a destination name.
func (s *Session) Lookup(name string) (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[name]
	return o, ok
}

type entry struct {
	req         *apt.FetchRequest
	submissions int
}

func sameRequest(a, b *apt.FetchRequest) bool {
	return a.URL == b.URL && a.Size == b.Size && slices.Equal(a.Checksums, b.Checksums)
}

// dedup collapses requests for the same destination, keeping the first.
func dedup(reqs []*apt.FetchRequest) []*entry {
	entries := make([]*entry, 0, len(reqs))
	byName := make(map[string]*entry, len(reqs))
	for _, req := range reqs {
		if req == nil {
			continue
		}
		if e, ok := byName[req.Name]; ok {
			e.submissions++
			if !sameRequest(e.req, req) {
				slog.Warn("conflicting requests for one destination", "name", req.Name, "url", e.req.URL, "ignored_url", req.URL)
			}
			continue
		}
		e := &entry{req: req, submissions: 1}
		byName[req.Name] = e
		entries = append(entries, e)
	}
	return entries
}

type sessionStats struct {
	mu                                 sync.Mutex
	fetched, reused, failed, cancelled int
	bytes                              int64
}

func (st *sessionStats) add(o *Outcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch o.Kind {
	case Fetched:
		st.fetched++
		st.bytes += o.Bytes
	case AlreadyValid:
		st.reused++
	case Failed:
		st.failed++
	case Cancelled:
		st.cancelled++
	}
}

// Run downloads reqs and returns a channel that receives one Outcome per
// distinct destination name. The channel is closed after the last one.
//
// Cancelling ctx stops new transfers, aborts those in flight and reports
// every unfinished request as Cancelled; the channel is still closed.
// Per-request failures never stop the other requests.
func (s *Session) Run(ctx context.Context, reqs []*apt.FetchRequest) <-chan *Outcome {
	entries := dedup(reqs)
	out := make(chan *Outcome, len(entries))

	go func() {
		defer close(out)
		s.run(ctx, entries, out)
	}()
	return out
}

func (s *Session) run(ctx context.Context, entries []*entry, out chan<- *Outcome) {
	stats := &sessionStats{}
	emit := func(e *entry, shared *Outcome) {
		// joined transfers hand the same Outcome to several runs
		o := *shared
		o.Request = e.req
		o.Submissions = e.submissions
		s.mu.Lock()
		s.outcomes[e.req.Name] = &o
		s.mu.Unlock()
		stats.add(&o)
		out <- &o
	}

	for _, e := range entries {
		s.observe(Progress{Request: e.req, State: StatePending, Total: e.req.Size})
	}

	var g errgroup.Group
	started := 0
loop:
	for _, e := range entries {
		select {
		case <-ctx.Done():
			break loop
		case <-s.semaphore:
		}
		// select picks randomly when both are ready
		if ctx.Err() != nil {
			s.semaphore <- struct{}{}
			break
		}

		started++
		g.Go(func() error {
			defer func() { s.semaphore <- struct{}{} }()
			emit(e, s.do(ctx, e.req))
			return nil
		})
	}

	for _, e := range entries[started:] {
		s.observe(Progress{Request: e.req, State: StateCancelled, Total: e.req.Size})
		emit(e, &Outcome{Kind: Cancelled, Err: ctx.Err(), ErrKind: KindCancelled})
	}
	_ = g.Wait()

	slog.Info("download stats", "total", len(entries), "fetched", stats.fetched, "reused", stats.reused,
		"failed", stats.failed, "cancelled", stats.cancelled, "bytes", stats.bytes)
}

func (s *Session) observe(p Progress) {
	if p.Bytes == 0 || p.State != StateInFlight {
		slog.Debug("request state", "name", p.Request.Name, "state", p.State.String(), "attempt", p.Attempt)
	}
	if s.opts.Observer != nil {
		s.opts.Observer(p)
	}
}

func (s *Session) finish(req *apt.FetchRequest, o *Outcome) *Outcome {
	state := StateDone
	switch o.Kind {
	case Failed:
		state = StateFailed
		o.ErrKind = Classify(o.Err)
		slog.Error("download failed", "name", req.Name, "url", req.URL, "attempts", o.Attempts, "error", o.Err)
	case Cancelled:
		state = StateCancelled
		o.ErrKind = KindCancelled
	}
	if o.Unverified {
		slog.Warn("archive has no checksum", "name", req.Name, "url", req.URL)
	}
	s.observe(Progress{Request: req, State: state, Bytes: o.Bytes, Total: req.Size, Attempt: o.Attempts})
	return o
}

// do runs process for req unless its destination is already in flight,
// in which case it waits for that transfer and shares its outcome.
// A caller cancelled while waiting stops waiting, unless it is the one
// running the transfer.
func (s *Session) do(ctx context.Context, req *apt.FetchRequest) *Outcome {
	for {
		var claimed atomic.Bool
		ch := s.flight.DoChan(req.Name, func() (interface{}, error) {
			if !claimed.CompareAndSwap(false, true) {
				return nil, nil
			}
			return s.process(ctx, req), nil
		})

		select {
		case r := <-ch:
			if o, ok := r.Val.(*Outcome); ok {
				if r.Shared {
					slog.Debug("shared transfer", "name", req.Name)
				}
				return o
			}
			// the caller running the transfer was cancelled before it started
		case <-ctx.Done():
			if claimed.CompareAndSwap(false, true) {
				return s.finish(req, &Outcome{Kind: Cancelled, Err: ctx.Err()})
			}
			if o, ok := (<-ch).Val.(*Outcome); ok {
				return o
			}
			return s.finish(req, &Outcome{Kind: Cancelled, Err: ctx.Err()})
		}
	}
}

// process drives one request to its terminal state.
func (s *Session) process(ctx context.Context, req *apt.FetchRequest) *Outcome {
	// Nothing downloaded could ever be verified.
	if _, err := apt.NewVerifier(req.Size, req.Checksums); err != nil {
		return s.finish(req, &Outcome{Kind: Failed, Err: err})
	}

	if o := s.prevalidate(req); o != nil {
		return s.finish(req, o)
	}

	policy := s.opts.Retry
	mismatches := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.finish(req, &Outcome{Kind: Cancelled, Attempts: attempt - 1, Err: err})
		}

		n, unverified, err := s.attempt(ctx, req, attempt)
		if err == nil {
			return s.finish(req, &Outcome{Kind: Fetched, Bytes: n, Attempts: attempt, Unverified: unverified})
		}
		if ctx.Err() != nil {
			return s.finish(req, &Outcome{Kind: Cancelled, Attempts: attempt, Err: ctx.Err()})
		}

		var retry bool
		if isContentError(err) {
			mismatches++
			retry = mismatches <= policy.MismatchRetries
		} else {
			retry = policy.Retryable(err)
		}
		if !retry || attempt >= policy.MaxAttempts {
			return s.finish(req, &Outcome{Kind: Failed, Attempts: attempt, Err: err})
		}

		delay := policy.Delay(attempt)
		slog.Warn("retrying download", "name", req.Name, "url", req.URL, "attempt", attempt+1,
			"max_attempts", policy.MaxAttempts, "delay", delay, "error", err)
		s.observe(Progress{Request: req, State: StateRetrying, Total: req.Size, Attempt: attempt})

		if err := sleepContext(ctx, delay); err != nil {
			return s.finish(req, &Outcome{Kind: Cancelled, Attempts: attempt, Err: err})
		}
	}
}

// prevalidate reports an archive that is already in place and intact.
// Requests without checksum or size are always downloaded again.
func (s *Session) prevalidate(req *apt.FetchRequest) *Outcome {
	if req.Unverifiable() && !req.HasSize() {
		return nil
	}

	f, err := s.store.Open(req.Name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Debug("cannot open existing archive", "name", req.Name, "error", err)
		}
		return nil
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close archive", "name", req.Name, "error", err)
		}
	}()

	res, err := apt.Verify(f, req.Size, req.Checksums)
	if err != nil {
		slog.Debug("existing archive does not match", "name", req.Name, "error", err)
		return nil
	}
	return &Outcome{Kind: AlreadyValid, Bytes: res.Size, Unverified: res.Unverified()}
}

// attempt performs one download into a temporary file, verifies it and
// commits it under the destination name.
func (s *Session) attempt(ctx context.Context, req *apt.FetchRequest, attempt int) (int64, bool, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, s.opts.AttemptTimeout)
	}
	defer cancel()

	if err := s.waitGate(actx); err != nil {
		return 0, false, s.attemptErr(ctx, actx, err)
	}

	tmp, err := s.store.TempFile(req.Name)
	if err != nil {
		return 0, false, err
	}
	committed := false
	defer func() {
		if !committed {
			s.store.Discard(tmp)
		}
	}()

	s.observe(Progress{Request: req, State: StateInFlight, Total: req.Size, Attempt: attempt})
	var received int64
	n, err := s.backend.Transfer(actx, req, tmp, func(d int64) {
		received += d
		s.observe(Progress{Request: req, State: StateInFlight, Bytes: received, Total: req.Size, Attempt: attempt})
	})
	if err != nil {
		return n, false, s.attemptErr(ctx, actx, err)
	}

	s.observe(Progress{Request: req, State: StateVerifying, Bytes: n, Total: req.Size, Attempt: attempt})
	if err := tmp.Sync(); err != nil {
		return n, false, errors.Mark(errors.Wrap(err, "sync"), ErrStorage)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return n, false, errors.Mark(errors.Wrap(err, "seek"), ErrStorage)
	}
	res, err := apt.Verify(tmp, req.Size, req.Checksums)
	if err != nil {
		return n, false, errors.Wrapf(err, "verify %s", req.Name)
	}

	if err := ctx.Err(); err != nil {
		return n, false, err
	}
	committed = true
	if err := s.store.Commit(tmp, req.Name); err != nil {
		return n, false, err
	}
	// The archive stays in place; a later run finds it valid.
	if err := ctx.Err(); err != nil {
		return n, false, err
	}
	return res.Size, res.Unverified(), nil
}

// attemptErr tells an expired attempt from a cancelled session.
func (s *Session) attemptErr(ctx, actx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "no completion within %s", s.opts.AttemptTimeout), ErrTimeout)
	}
	return err
}

// waitGate lets one transfer at a time start, ConnectDelay apart.
func (s *Session) waitGate(ctx context.Context) error {
	if s.opts.ConnectDelay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.gate <- struct{}{}:
	}
	defer func() { <-s.gate }()

	if wait := s.opts.ConnectDelay - time.Since(s.lastConnect); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	s.lastConnect = time.Now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
