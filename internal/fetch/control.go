package fetch

import (
	"context"
	"io/fs"
	"log/slog"
	"os/exec"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// Resolver plans the upgrade: it refreshes package metadata and lists
// the archives to download.
type Resolver interface {
	Update(ctx context.Context) (apt.Lines, error)
	PrintURIs(ctx context.Context) (apt.Lines, error)
}

// RunOptions adjusts a workflow run.
type RunOptions struct {
	// NoUpdate skips the metadata refresh.
	NoUpdate bool
	// Listing, if set, is read instead of asking the resolver for URIs.
	Listing apt.Lines
	// Backend defaults to an HTTPBackend.
	Backend Backend
	// Observer is passed to the Session.
	Observer func(Progress)
}

// Result is what a workflow run produced.
type Result struct {
	// Warnings lists repositories the update could not refresh.
	Warnings []apt.RepositoryWarning
	// UpdateErr is set when the update failed; the archives were then
	// planned from stale metadata.
	UpdateErr error
	// ListErr is set when the resolver failed while listing URIs; the
	// requests parsed before the failure are still fetched.
	ListErr error
	// ParseErrors holds one error per skipped malformed line.
	ParseErrors []error
	// Requests is the number of parsed requests, duplicates included.
	Requests int

	// Outcomes receives one Outcome per distinct archive and is closed
	// once the session has finished and released the directory lock.
	Outcomes <-chan *Outcome
	// Session can be used to look up outcomes by destination name.
	Session *Session
}

// Run updates package metadata, lists the archives an upgrade needs and
// downloads them into config.Dir.
//
// The first thing to do after planning is to acquire flock on the lock
// file; it is held until Outcomes is closed.
//
// The returned error is reserved for conditions that prevent the whole
// workflow, such as a missing resolver or a locked directory. Failures
// of single archives are reported through Outcomes.
func Run(ctx context.Context, config *Config, resolver Resolver, opts RunOptions) (*Result, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}

	res := &Result{}
	if !opts.NoUpdate {
		if err := update(ctx, resolver, res); err != nil {
			return nil, err
		}
	}

	listing := opts.Listing
	if listing == nil {
		var err error
		listing, err = resolver.PrintURIs(ctx)
		if err != nil {
			return nil, resolverErr(err)
		}
	}
	reqs := plan(listing, res)

	unlock, err := LockDir(config.Dir)
	if err != nil {
		return nil, err
	}

	storage, err := NewStorage(config.Dir, config.Partial())
	if err != nil {
		unlock()
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend = NewHTTPBackend(config.UserAgent)
	}
	sessionOpts := config.Options()
	sessionOpts.Observer = opts.Observer

	session := NewSession(backend, storage, sessionOpts)
	outcomes := session.Run(ctx, reqs)

	out := make(chan *Outcome, len(reqs))
	go func() {
		defer close(out)
		defer unlock()
		for o := range outcomes {
			out <- o
		}
	}()

	res.Outcomes = out
	res.Session = session
	return res, nil
}

func resolverErr(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return errors.Mark(err, ErrResolverMissing)
	}
	return errors.Wrap(err, "resolver")
}

// update refreshes metadata and collects repository warnings. Only a
// resolver that cannot be started is fatal.
func update(ctx context.Context, resolver Resolver, res *Result) error {
	slog.Info("updating package lists")
	lines, err := resolver.Update(ctx)
	if err != nil {
		return resolverErr(err)
	}

	res.Warnings = slices.Collect(apt.ScanWarnings(lines.All()))
	for _, w := range res.Warnings {
		slog.Warn("repository failed to update", "repository", w.Repository, "suite", w.Suite, "message", w.Message)
	}

	if err := lines.Wait(); err != nil {
		res.UpdateErr = err
		slog.Error("update failed, continuing with stale package lists", "error", err)
	}
	return ctx.Err()
}

// plan parses the URI listing.
func plan(listing apt.Lines, res *Result) []*apt.FetchRequest {
	var reqs []*apt.FetchRequest
	for req, err := range apt.ScanURIs(listing.All()) {
		if err != nil {
			slog.Warn("skipping malformed line", "error", err)
			res.ParseErrors = append(res.ParseErrors, err)
			continue
		}
		reqs = append(reqs, req)
	}

	if err := listing.Wait(); err != nil {
		res.ListErr = err
		slog.Error("listing archives failed", "error", err, "parsed", len(reqs))
	}

	res.Requests = len(reqs)
	slog.Info("archives planned", "requests", len(reqs), "malformed", len(res.ParseErrors))
	return reqs
}
