package apt

import (
	"iter"
	"regexp"
	"strings"
)

// RepositoryWarning reports a package source that apt could not refresh.
// It is informational: fetching continues with whatever metadata apt has.
type RepositoryWarning struct {
	// Repository is the URI (or path) of the failing source.
	Repository string
	// Suite is the distribution or pocket, when apt printed one.
	Suite   string
	Message string
}

func (w RepositoryWarning) String() string {
	repo := w.Repository
	if w.Suite != "" {
		repo += " " + w.Suite
	}
	if w.Message == "" {
		return repo
	}
	return repo + ": " + w.Message
}

var (
	// Err:5 http://ppa.example/ubuntu jammy InRelease
	// Err http://ppa.example/ubuntu xenial/main amd64 Packages (apt before 1.1)
	errLine = regexp.MustCompile(`^Err(?::\d+)?\s+(\S+)\s+(\S+)`)

	// E: The repository 'http://ppa.example/ubuntu jammy Release' does not have a Release file.
	repoLine = regexp.MustCompile(`^[EW]: The repository '(\S+)(?:\s+(\S+))?[^']*'\s*(.*)$`)

	// W: GPG error: http://ppa.example/ubuntu jammy InRelease: The following signatures ...
	gpgLine = regexp.MustCompile(`^[EW]: GPG error: (\S+)\s+(\S+)[^:]*:\s*(.*)$`)

	// E: Failed to fetch http://ppa.example/ubuntu/dists/jammy/InRelease  404  Not Found
	failedLine = regexp.MustCompile(`^[EW]: Failed to fetch (\S+)\s*(.*)$`)
)

// ScanWarnings extracts repository failures from `apt-get update` output.
//
// An "Err:" status line takes the indented lines that follow it as its
// message. "E:" and "W:" summary lines about a repository apt already
// reported through an "Err:" line are folded into that warning, so each
// failing source is reported once. Every other line is ignored.
func ScanWarnings(lines iter.Seq[string]) iter.Seq[RepositoryWarning] {
	return func(yield func(RepositoryWarning) bool) {
		var pending *RepositoryWarning
		seen := make(map[string]struct{})

		emit := func(w RepositoryWarning) bool {
			key := w.Repository + " " + w.Suite
			if _, ok := seen[key]; ok {
				return true
			}
			seen[key] = struct{}{}
			return yield(w)
		}
		flush := func() bool {
			if pending == nil {
				return true
			}
			w := *pending
			pending = nil
			return emit(w)
		}

		for line := range lines {
			line = strings.TrimRight(line, "\r\n")

			if pending != nil && line != "" && (line[0] == ' ' || line[0] == '\t') {
				msg := strings.TrimSpace(line)
				if pending.Message == "" {
					pending.Message = msg
				} else {
					pending.Message += "; " + msg
				}
				continue
			}
			if !flush() {
				return
			}

			if m := errLine.FindStringSubmatch(line); m != nil {
				pending = &RepositoryWarning{Repository: m[1], Suite: m[2]}
				continue
			}

			w, ok := matchSummary(line)
			if !ok {
				continue
			}
			if !emit(w) {
				return
			}
		}
		flush()
	}
}

func matchSummary(line string) (RepositoryWarning, bool) {
	if m := repoLine.FindStringSubmatch(line); m != nil {
		return RepositoryWarning{Repository: m[1], Suite: m[2], Message: strings.TrimSpace(m[3])}, true
	}
	if m := gpgLine.FindStringSubmatch(line); m != nil {
		return RepositoryWarning{Repository: m[1], Suite: m[2], Message: strings.TrimSpace(m[3])}, true
	}
	if m := failedLine.FindStringSubmatch(line); m != nil {
		repo, suite := splitDists(m[1])
		return RepositoryWarning{Repository: repo, Suite: suite, Message: strings.Join(strings.Fields(m[2]), " ")}, true
	}
	return RepositoryWarning{}, false
}

// splitDists turns ".../ubuntu/dists/jammy/InRelease" into the
// (".../ubuntu", "jammy") pair apt uses in its status lines.
func splitDists(u string) (string, string) {
	i := strings.Index(u, "/dists/")
	if i < 0 {
		return u, ""
	}
	suite, _, _ := strings.Cut(u[i+len("/dists/"):], "/")
	return u[:i], suite
}
