package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// Backend performs a single transfer attempt.
//
// Transfer writes the archive body to dst and reports every chunk to
// progress. Retries, verification and storage are the caller's business.
type Backend interface {
	Transfer(ctx context.Context, req *apt.FetchRequest, dst io.Writer, progress func(n int64)) (int64, error)
}

// HTTPBackend downloads archives over HTTP(S). file: URLs, which apt
// prints for local repositories, are served from the local file system.
type HTTPBackend struct {
	client    *http.Client
	userAgent string
}

// NewHTTPBackend creates a backend identifying itself as userAgent.
func NewHTTPBackend(userAgent string) *HTTPBackend {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPBackend{
		client:    clonedTransport(),
		userAgent: userAgent,
	}
}

const copyChunkSize = 32 * 1024

// Transfer implements Backend.
func (h *HTTPBackend) Transfer(ctx context.Context, req *apt.FetchRequest, dst io.Writer, progress func(n int64)) (int64, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "request %s", req.URL)
	}

	// imitation apt-get command
	hreq.Header.Add("Cache-Control", "max-age=0")
	hreq.Header.Add("User-Agent", h.userAgent)

	resp, err := h.client.Do(hreq)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "GET %s", req.URL), ErrTransport)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, newTransferError(req.URL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if req.HasSize() {
		// One extra byte is enough to tell an oversized body.
		body = io.LimitReader(resp.Body, req.Size+1)
	}
	return copyWithProgress(ctx, dst, body, progress)
}

// copyWithProgress is io.Copy that stops between chunks once ctx is done.
// Write failures are storage errors, read failures transport errors.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progress func(n int64)) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if progress != nil && nw > 0 {
				progress(int64(nw))
			}
			if werr != nil {
				return written, errors.Mark(errors.Wrap(werr, "write"), ErrStorage)
			}
			if nw != nr {
				return written, errors.Mark(io.ErrShortWrite, ErrStorage)
			}
		}

		switch {
		case rerr == io.EOF:
			return written, nil
		case rerr != nil:
			return written, errors.Mark(errors.Wrap(rerr, "read body"), ErrTransport)
		}
	}
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with transport settings tuned
// for many parallel downloads from a few hosts.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	tr.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}
