package main

import (
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/mirrorctl/aptfetch/internal/fetch"
)

// byteProgress turns scheduler progress events into a byte counter.
// Bytes received by an attempt that is later retried are taken back.
type byteProgress struct {
	mu    sync.Mutex
	bar   *pb.ProgressBar
	total int64
	seen  map[string]int64
}

func newByteProgress(w io.Writer) *byteProgress {
	bar := pb.Full.New(0).
		Set(pb.Bytes, true).
		SetWriter(w)
	return &byteProgress{
		bar:  bar,
		seen: make(map[string]int64),
	}
}

func (b *byteProgress) Start() {
	b.bar.Start()
}

func (b *byteProgress) Finish() {
	b.bar.Finish()
}

// Observe is safe for concurrent use.
func (b *byteProgress) Observe(p fetch.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := p.Request.Name
	switch p.State {
	case fetch.StatePending:
		if p.Total > 0 {
			b.total += p.Total
			b.bar.SetTotal(b.total)
		}
		return
	case fetch.StateInFlight, fetch.StateVerifying, fetch.StateRetrying, fetch.StateDone:
	default:
		return
	}

	delta := p.Bytes - b.seen[name]
	b.seen[name] = p.Bytes
	if delta != 0 {
		b.bar.Add64(delta)
	}
}

// Current returns the number of bytes counted so far.
func (b *byteProgress) Current() int64 {
	return b.bar.Current()
}
