package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

type transferFunc func(ctx context.Context, req *apt.FetchRequest, call int, dst io.Writer) (int64, error)

// fakeBackend serves archives from memory and counts transfers.
type fakeBackend struct {
	files   map[string][]byte
	handler transferFunc
	started chan string

	mu    sync.Mutex
	calls map[string]int
	total atomic.Int32
}

func newFakeBackend(files map[string][]byte) *fakeBackend {
	return &fakeBackend{files: files, calls: make(map[string]int)}
}

func (b *fakeBackend) Transfer(ctx context.Context, req *apt.FetchRequest, dst io.Writer, progress func(int64)) (int64, error) {
	b.mu.Lock()
	b.calls[req.URL]++
	call := b.calls[req.URL]
	b.mu.Unlock()
	b.total.Add(1)

	if b.started != nil {
		b.started <- req.Name
	}
	if b.handler != nil {
		n, err := b.handler(ctx, req, call, dst)
		if n > 0 && progress != nil {
			progress(n)
		}
		return n, err
	}
	return b.serve(req, dst, progress)
}

func (b *fakeBackend) serve(req *apt.FetchRequest, dst io.Writer, progress func(int64)) (int64, error) {
	data, ok := b.files[req.URL]
	if !ok {
		return 0, newTransferError(req.URL, http.StatusNotFound)
	}
	n, err := dst.Write(data)
	if progress != nil {
		progress(int64(n))
	}
	return int64(n), err
}

func (b *fakeBackend) callCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[url]
}

func sha256Sum(data []byte) apt.Checksum {
	sum := sha256.Sum256(data)
	return apt.Checksum{Algorithm: apt.SHA256, Label: "SHA256", Digest: hex.EncodeToString(sum[:])}
}

func newRequest(name string, data []byte) *apt.FetchRequest {
	return &apt.FetchRequest{
		URL:       "http://mirror.test/pool/" + name,
		Name:      name,
		Size:      int64(len(data)),
		Checksums: []apt.Checksum{sha256Sum(data)},
	}
}

func testOptions() Options {
	return Options{
		MaxConns: 4,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			MismatchRetries: 1,
		},
	}
}

func newTestSession(t *testing.T, backend Backend, opts Options) (*Session, string) {
	t.Helper()

	dir := t.TempDir()
	storage, err := NewStorage(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	return NewSession(backend, storage, opts), dir
}

func collect(t *testing.T, ch <-chan *Outcome) map[string]*Outcome {
	t.Helper()

	got := make(map[string]*Outcome)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return got
			}
			if _, dup := got[o.Request.Name]; dup {
				t.Errorf("second outcome for %s", o.Request.Name)
			}
			got[o.Request.Name] = o
		case <-timeout:
			t.Fatal("outcome stream was not closed")
		}
	}
}

func assertPartialEmpty(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(filepath.Join(dir, "partial"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover partial file %s", e.Name())
	}
}

func TestSessionFetch(t *testing.T) {
	t.Parallel()

	a := []byte("archive a")
	b := []byte("archive b, slightly longer")
	reqA := newRequest("a_1.0_all.deb", a)
	reqB := newRequest("b_2.0_amd64.deb", b)
	backend := newFakeBackend(map[string][]byte{reqA.URL: a, reqB.URL: b})

	session, dir := newTestSession(t, backend, testOptions())
	got := collect(t, session.Run(context.Background(), []*apt.FetchRequest{reqA, reqB}))

	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(got))
	}
	for _, req := range []*apt.FetchRequest{reqA, reqB} {
		o := got[req.Name]
		if o.Kind != Fetched {
			t.Errorf("%s: Kind = %v, err = %v", req.Name, o.Kind, o.Err)
			continue
		}
		if o.Attempts != 1 || o.Bytes != req.Size || o.Unverified {
			t.Errorf("%s: outcome = %+v", req.Name, o)
		}
		content, err := os.ReadFile(filepath.Join(dir, req.Name))
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(content)) != req.Size {
			t.Errorf("%s: stored %d bytes", req.Name, len(content))
		}
	}
	assertPartialEmpty(t, dir)
}

func TestSessionMaxConns(t *testing.T) {
	t.Parallel()

	files := make(map[string][]byte)
	var reqs []*apt.FetchRequest
	for _, name := range []string{"a.deb", "b.deb", "c.deb", "d.deb", "e.deb", "f.deb", "g.deb"} {
		data := []byte("content of " + name)
		req := newRequest(name, data)
		files[req.URL] = data
		reqs = append(reqs, req)
	}

	var active, peak atomic.Int32
	backend := newFakeBackend(files)
	backend.handler = func(_ context.Context, req *apt.FetchRequest, _ int, dst io.Writer) (int64, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		written, err := dst.Write(files[req.URL])
		return int64(written), err
	}

	opts := testOptions()
	opts.MaxConns = 2
	session, _ := newTestSession(t, backend, opts)
	got := collect(t, session.Run(context.Background(), reqs))

	for name, o := range got {
		if o.Kind != Fetched {
			t.Errorf("%s: Kind = %v, err = %v", name, o.Kind, o.Err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("%d concurrent transfers, limit is 2", p)
	}
}

func TestSessionEmpty(t *testing.T) {
	t.Parallel()

	session, _ := newTestSession(t, newFakeBackend(nil), testOptions())
	if got := collect(t, session.Run(context.Background(), nil)); len(got) != 0 {
		t.Errorf("got %d outcomes", len(got))
	}
}

func TestSessionAlreadyValid(t *testing.T) {
	t.Parallel()

	data := []byte("already here")
	req := newRequest("here_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	session, dir := newTestSession(t, backend, testOptions())

	if err := os.WriteFile(filepath.Join(dir, req.Name), data, 0644); err != nil {
		t.Fatal(err)
	}

	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != AlreadyValid {
		t.Fatalf("Kind = %v, want AlreadyValid", o.Kind)
	}
	if o.Attempts != 0 || o.Bytes != int64(len(data)) {
		t.Errorf("outcome = %+v", o)
	}
	if n := backend.total.Load(); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestSessionReplacesStaleArchive(t *testing.T) {
	t.Parallel()

	data := []byte("fresh content")
	req := newRequest("stale_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	session, dir := newTestSession(t, backend, testOptions())

	path := filepath.Join(dir, req.Name)
	if err := os.WriteFile(path, []byte("stale content"), 0644); err != nil {
		t.Fatal(err)
	}

	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != Fetched {
		t.Fatalf("Kind = %v, err = %v", o.Kind, o.Err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != string(data) {
		t.Errorf("content = %q", content)
	}
}

func TestSessionTransientFailures(t *testing.T) {
	t.Parallel()

	data := []byte("eventually")
	req := newRequest("flaky_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		if call <= 2 {
			return 0, newTransferError(r.URL, http.StatusServiceUnavailable)
		}
		return backend.serve(r, dst, nil)
	}

	session, _ := newTestSession(t, backend, testOptions())
	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]

	if o.Kind != Fetched {
		t.Fatalf("Kind = %v, err = %v", o.Kind, o.Err)
	}
	if o.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", o.Attempts)
	}
}

func TestSessionMaxAttempts(t *testing.T) {
	t.Parallel()

	req := newRequest("down_1_all.deb", []byte("x"))
	backend := newFakeBackend(nil)
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		return 0, newTransferError(r.URL, http.StatusBadGateway)
	}

	session, dir := newTestSession(t, backend, testOptions())
	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]

	if o.Kind != Failed {
		t.Fatalf("Kind = %v, want Failed", o.Kind)
	}
	if o.Attempts != 3 || backend.callCount(req.URL) != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", o.Attempts, backend.callCount(req.URL))
	}
	if o.ErrKind != KindTransport {
		t.Errorf("ErrKind = %v, want %v", o.ErrKind, KindTransport)
	}
	var te *TransferError
	if !errors.As(o.Err, &te) || te.StatusCode != http.StatusBadGateway {
		t.Errorf("Err = %v", o.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, req.Name)); !os.IsNotExist(err) {
		t.Errorf("failed archive exists: %v", err)
	}
	assertPartialEmpty(t, dir)
}

func TestSessionNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retryable func(error) bool
		want      int
	}{
		{name: "permanent", want: 1},
		{name: "retry not found", retryable: NotFoundRetryable, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := newRequest("gone_1_all.deb", []byte("x"))
			backend := newFakeBackend(nil)
			opts := testOptions()
			opts.Retry.Retryable = tt.retryable

			session, _ := newTestSession(t, backend, opts)
			o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]

			if o.Kind != Failed || o.ErrKind != KindNotFound {
				t.Fatalf("outcome = %+v", o)
			}
			if o.Attempts != tt.want {
				t.Errorf("Attempts = %d, want %d", o.Attempts, tt.want)
			}
		})
	}
}

func TestSessionDedup(t *testing.T) {
	t.Parallel()

	data := []byte("shared")
	req := newRequest("dup_1_all.deb", data)
	again := *req
	backend := newFakeBackend(map[string][]byte{req.URL: data})

	session, _ := newTestSession(t, backend, testOptions())
	got := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req, &again, req}))

	if len(got) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(got))
	}
	o := got[req.Name]
	if o.Kind != Fetched || o.Submissions != 3 {
		t.Errorf("outcome = %+v", o)
	}
	if n := backend.total.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	if looked, ok := session.Lookup(req.Name); !ok || looked != o {
		t.Errorf("Lookup() = %v, %v", looked, ok)
	}
}

func TestSessionConcurrentRunsShareTransfer(t *testing.T) {
	t.Parallel()

	data := []byte("one transfer for two runs")
	req := newRequest("joined_1_all.deb", data)
	again := *req

	release := make(chan struct{})
	var active, peak atomic.Int32
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	backend.started = make(chan string, 2)
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, _ int, dst io.Writer) (int64, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return backend.serve(r, dst, nil)
	}

	session, dir := newTestSession(t, backend, testOptions())
	first := session.Run(context.Background(), []*apt.FetchRequest{req})
	<-backend.started
	second := session.Run(context.Background(), []*apt.FetchRequest{&again})
	time.Sleep(50 * time.Millisecond)
	close(release)

	got1 := collect(t, first)[req.Name]
	got2 := collect(t, second)[req.Name]

	if got1.Kind != Fetched {
		t.Errorf("first run: outcome = %+v", got1)
	}
	if got2.Kind != Fetched && got2.Kind != AlreadyValid {
		t.Errorf("second run: outcome = %+v", got2)
	}
	if got2.Request != &again {
		t.Error("second run's outcome does not carry its own request")
	}
	if n := backend.total.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("%d concurrent transfers of one destination", p)
	}
	assertPartialEmpty(t, dir)
}

func TestSessionJoinedRunCancelled(t *testing.T) {
	t.Parallel()

	data := []byte("slow archive")
	req := newRequest("slow_2_all.deb", data)

	release := make(chan struct{})
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	backend.started = make(chan string, 2)
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, _ int, dst io.Writer) (int64, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return backend.serve(r, dst, nil)
	}

	session, _ := newTestSession(t, backend, testOptions())
	first := session.Run(context.Background(), []*apt.FetchRequest{req})
	<-backend.started

	ctx, cancel := context.WithCancel(context.Background())
	second := session.Run(ctx, []*apt.FetchRequest{req})
	time.Sleep(50 * time.Millisecond)
	cancel()

	if o := collect(t, second)[req.Name]; o.Kind != Cancelled || o.ErrKind != KindCancelled {
		t.Errorf("cancelled run: outcome = %+v", o)
	}
	close(release)
	if o := collect(t, first)[req.Name]; o.Kind != Fetched {
		t.Errorf("first run: outcome = %+v", o)
	}
	if n := backend.total.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

// cancelOnCommit cancels the session while the archive is being committed.
type cancelOnCommit struct {
	*Storage
	cancel context.CancelFunc
}

func (c cancelOnCommit) Commit(f *os.File, name string) error {
	c.cancel()
	return c.Storage.Commit(f, name)
}

func TestSessionCancelDuringCommit(t *testing.T) {
	t.Parallel()

	data := []byte("almost there")
	req := newRequest("late_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})

	dir := t.TempDir()
	storage, err := NewStorage(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := NewSession(backend, cancelOnCommit{Storage: storage, cancel: cancel}, testOptions())

	o := collect(t, session.Run(ctx, []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != Cancelled || o.ErrKind != KindCancelled {
		t.Errorf("outcome = %+v, want Cancelled", o)
	}
	if n := backend.total.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	assertPartialEmpty(t, dir)
}

func TestSessionChecksumMismatch(t *testing.T) {
	t.Parallel()

	req := newRequest("bad_1_all.deb", []byte("expected"))
	backend := newFakeBackend(map[string][]byte{req.URL: []byte("tampered")})
	opts := testOptions()
	opts.Retry.MaxAttempts = 5

	session, dir := newTestSession(t, backend, opts)
	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]

	if o.Kind != Failed || o.ErrKind != KindChecksumMismatch {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", o.Attempts)
	}
	if !errors.Is(o.Err, apt.ErrChecksumMismatch) {
		t.Errorf("Err = %v", o.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, req.Name)); !os.IsNotExist(err) {
		t.Errorf("rejected archive exists: %v", err)
	}
	assertPartialEmpty(t, dir)
}

func TestSessionTruncatedIsTransient(t *testing.T) {
	t.Parallel()

	data := []byte("a complete archive body")
	req := newRequest("short_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		if call == 1 {
			n, err := dst.Write(data[:5])
			return int64(n), err
		}
		return backend.serve(r, dst, nil)
	}

	session, _ := newTestSession(t, backend, testOptions())
	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]

	if o.Kind != Fetched || o.Attempts != 2 {
		t.Errorf("outcome = %+v", o)
	}
}

func TestSessionUnverified(t *testing.T) {
	t.Parallel()

	data := []byte("no digest")
	sized := &apt.FetchRequest{URL: "http://mirror.test/sized.deb", Name: "sized_1_all.deb", Size: int64(len(data))}
	bare := &apt.FetchRequest{URL: "http://mirror.test/bare.deb", Name: "bare_1_all.deb", Size: -1}
	backend := newFakeBackend(map[string][]byte{sized.URL: data, bare.URL: data})
	session, _ := newTestSession(t, backend, testOptions())
	reqs := []*apt.FetchRequest{sized, bare}

	first := collect(t, session.Run(context.Background(), reqs))
	for _, req := range reqs {
		if o := first[req.Name]; o.Kind != Fetched || !o.Unverified {
			t.Errorf("first run %s: outcome = %+v", req.Name, o)
		}
	}

	second := collect(t, session.Run(context.Background(), reqs))
	if o := second[sized.Name]; o.Kind != AlreadyValid || !o.Unverified {
		t.Errorf("second run %s: outcome = %+v", sized.Name, o)
	}
	// Nothing to check the present file against.
	if o := second[bare.Name]; o.Kind != Fetched || !o.Unverified {
		t.Errorf("second run %s: outcome = %+v", bare.Name, o)
	}
	if n := backend.callCount(bare.URL); n != 2 {
		t.Errorf("bare fetched %d times, want 2", n)
	}
}

func TestSessionUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	req := &apt.FetchRequest{
		URL:       "http://mirror.test/odd.deb",
		Name:      "odd_1_all.deb",
		Size:      1,
		Checksums: []apt.Checksum{{Algorithm: apt.Unknown, Label: "BLAKE3", Digest: "00"}},
	}
	backend := newFakeBackend(map[string][]byte{req.URL: []byte("x")})
	session, _ := newTestSession(t, backend, testOptions())

	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != Failed || o.ErrKind != KindUnsupportedAlgorithm || o.Attempts != 0 {
		t.Errorf("outcome = %+v", o)
	}
	if n := backend.total.Load(); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestSessionCancel(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(nil)
	backend.started = make(chan string, 5)
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	var reqs []*apt.FetchRequest
	for _, name := range []string{"a_1_all.deb", "b_1_all.deb", "c_1_all.deb", "d_1_all.deb", "e_1_all.deb"} {
		reqs = append(reqs, newRequest(name, []byte(name)))
	}

	opts := testOptions()
	opts.MaxConns = 2
	session, dir := newTestSession(t, backend, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := session.Run(ctx, reqs)

	<-backend.started
	<-backend.started
	cancel()
	got := collect(t, ch)

	if len(got) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(got))
	}
	inFlight := 0
	for name, o := range got {
		if o.Kind != Cancelled || o.ErrKind != KindCancelled {
			t.Errorf("%s: outcome = %+v", name, o)
		}
		if o.Attempts == 1 {
			inFlight++
		}
	}
	if inFlight != 2 {
		t.Errorf("%d outcomes had an attempt, want 2", inFlight)
	}
	if n := backend.total.Load(); n != 2 {
		t.Errorf("backend called %d times after cancel, want 2", n)
	}
	assertPartialEmpty(t, dir)
}

func TestSessionAttemptTimeout(t *testing.T) {
	t.Parallel()

	data := []byte("slow then fast")
	req := newRequest("slow_1_all.deb", data)
	backend := newFakeBackend(map[string][]byte{req.URL: data})
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		if call == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return backend.serve(r, dst, nil)
	}

	opts := testOptions()
	opts.AttemptTimeout = 20 * time.Millisecond
	session, _ := newTestSession(t, backend, opts)

	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != Fetched || o.Attempts != 2 {
		t.Errorf("outcome = %+v", o)
	}
}

func TestSessionAttemptTimeoutExhausted(t *testing.T) {
	t.Parallel()

	req := newRequest("stuck_1_all.deb", []byte("x"))
	backend := newFakeBackend(nil)
	backend.handler = func(ctx context.Context, r *apt.FetchRequest, call int, dst io.Writer) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	opts := testOptions()
	opts.Retry.MaxAttempts = 2
	opts.AttemptTimeout = 10 * time.Millisecond
	session, _ := newTestSession(t, backend, opts)

	o := collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))[req.Name]
	if o.Kind != Failed || o.ErrKind != KindTimeout || o.Attempts != 2 {
		t.Errorf("outcome = %+v", o)
	}
}

func TestSessionConnectDelay(t *testing.T) {
	t.Parallel()

	files := make(map[string][]byte)
	var reqs []*apt.FetchRequest
	for _, name := range []string{"a_1_all.deb", "b_1_all.deb", "c_1_all.deb"} {
		req := newRequest(name, []byte(name))
		files[req.URL] = []byte(name)
		reqs = append(reqs, req)
	}

	opts := testOptions()
	opts.ConnectDelay = 30 * time.Millisecond
	session, _ := newTestSession(t, newFakeBackend(files), opts)

	start := time.Now()
	got := collect(t, session.Run(context.Background(), reqs))
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("three connections took %s, want at least 60ms", elapsed)
	}
	for name, o := range got {
		if o.Kind != Fetched {
			t.Errorf("%s: Kind = %v", name, o.Kind)
		}
	}
}

func TestSessionObserver(t *testing.T) {
	t.Parallel()

	data := []byte("observed")
	req := newRequest("obs_1_all.deb", data)

	var mu sync.Mutex
	states := make(map[State]int)
	var maxBytes int64

	opts := testOptions()
	opts.Observer = func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		states[p.State]++
		if p.State == StateInFlight {
			maxBytes = max(maxBytes, p.Bytes)
		}
	}
	session, _ := newTestSession(t, newFakeBackend(map[string][]byte{req.URL: data}), opts)
	collect(t, session.Run(context.Background(), []*apt.FetchRequest{req}))

	mu.Lock()
	defer mu.Unlock()
	for _, s := range []State{StatePending, StateInFlight, StateVerifying, StateDone} {
		if states[s] == 0 {
			t.Errorf("state %v not observed", s)
		}
	}
	if maxBytes != int64(len(data)) {
		t.Errorf("max in-flight bytes = %d, want %d", maxBytes, len(data))
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}
