package fetch

import (
	"bufio"
	"compress/gzip"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// lineReader adapts an io.Reader to apt.Lines.
type lineReader struct {
	r      io.Reader
	closer io.Closer
	err    error
}

// NewListing reads lines from r. If r is an io.Closer it is closed by Wait.
func NewListing(r io.Reader) apt.Lines {
	lr := &lineReader{r: r}
	if c, ok := r.(io.Closer); ok {
		lr.closer = c
	}
	return lr
}

func (lr *lineReader) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(lr.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
		lr.err = scanner.Err()
	}
}

func (lr *lineReader) Wait() error {
	if lr.closer != nil {
		if err := lr.closer.Close(); err != nil && lr.err == nil {
			lr.err = err
		}
		lr.closer = nil
	}
	return lr.err
}

type multiCloser []io.Closer

func (mc multiCloser) Close() error {
	var err error
	for _, c := range mc {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type readCloser struct {
	io.Reader
	io.Closer
}

// OpenListing opens a saved print-uris listing. Files ending in ".xz"
// or ".gz" are decompressed on the fly.
func OpenListing(path string) (apt.Lines, error) {
	f, err := os.Open(path) // #nosec G304 - path is chosen by the operator
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".xz"):
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "xz: "+path)
		}
		return NewListing(readCloser{xr, f}), nil
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "gzip: "+path)
		}
		return NewListing(readCloser{gr, multiCloser{gr, f}}), nil
	}
	return NewListing(f), nil
}
