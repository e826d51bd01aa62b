// Package aptget runs apt-get and streams its output line by line.
package aptget

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// maxStderr bounds the error output kept for failure messages.
const maxStderr = 4096

// Command is an apt-get executable.
type Command struct {
	// Path is the executable, looked up in PATH if it has no slash.
	Path string
	// UpgradeCommand is the apt-get sub command whose downloads are
	// listed by PrintURIs, typically "full-upgrade" or "upgrade".
	UpgradeCommand string
	// Args are extra arguments, such as "-o" options, for every run.
	Args []string
}

// New returns a Command for path and upgrade.
func New(path, upgrade string) *Command {
	return &Command{Path: path, UpgradeCommand: upgrade}
}

// Update starts `apt-get update`. Its standard output and error are
// merged, since apt reports repository failures on the latter.
func (c *Command) Update(ctx context.Context) (apt.Lines, error) {
	return c.start(ctx, true, "update")
}

// PrintURIs starts `apt-get --print-uris -y <upgrade>`, which lists the
// archives the upgrade needs without downloading or installing anything.
func (c *Command) PrintURIs(ctx context.Context) (apt.Lines, error) {
	return c.start(ctx, false, "--print-uris", "-y", c.UpgradeCommand)
}

func (c *Command) start(ctx context.Context, mergeStderr bool, args ...string) (apt.Lines, error) {
	args = append(slices.Clone(c.Args), args...)
	cmd := exec.CommandContext(ctx, c.Path, args...) // #nosec G204 - executable comes from the configuration
	cmd.Env = append(os.Environ(), "LANG=C", "LC_ALL=C", "DEBIAN_FRONTEND=noninteractive")

	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "pipe")
	}
	cmd.Stdout = w

	p := &process{cmd: cmd, r: r, name: c.Path + " " + strings.Join(args, " ")}
	if mergeStderr {
		cmd.Stderr = w
	} else {
		cmd.Stderr = &p.stderr
	}

	slog.Debug("starting resolver", "command", p.name)
	err = cmd.Start()
	// The child owns the write end now.
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrapf(err, "start %s", c.Path)
	}
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	r    *os.File
	name string

	stderr tailBuffer
	err    error
	once   sync.Once
}

func (p *process) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(p.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
		if err := scanner.Err(); err != nil && p.err == nil {
			p.err = errors.Wrap(err, "read output")
		}
	}
}

// Wait drains the remaining output, so the child never blocks on a full
// pipe, and waits for it to exit.
func (p *process) Wait() error {
	p.once.Do(func() {
		_, _ = io.Copy(io.Discard, p.r)
		err := p.cmd.Wait()
		_ = p.r.Close()

		if err != nil {
			err = errors.Wrap(err, p.name)
			if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
				err = errors.WithDetail(err, msg)
			}
			p.err = err
		}
	})
	return p.err
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.buf.Write(b)
	if over := t.buf.Len() - maxStderr; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
