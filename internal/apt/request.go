package apt

import (
	"encoding/hex"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrParse marks a resolver output line that could not be turned into a FetchRequest.
var ErrParse = errors.New("malformed print-uris line")

// FetchRequest describes one archive to download.
//
// It is built from a line of `apt-get --print-uris` output:
//
//	'<url>' <filename> <size> <algo>:<hexdigest> [<algo>:<hexdigest>...]
//
// A FetchRequest is never modified after parsing; the destination
// name identifies it within a fetch session.
type FetchRequest struct {
	URL  string
	Name string
	// Size is the declared byte size, or -1 when the resolver omitted it.
	Size      int64
	Checksums []Checksum
}

// HasSize returns true if the resolver declared a size.
func (r *FetchRequest) HasSize() bool {
	return r.Size >= 0
}

// Unverifiable returns true if there is no digest to check the archive against.
func (r *FetchRequest) Unverifiable() bool {
	return len(r.Checksums) == 0
}

// Package returns the package identity encoded in the destination name.
func (r *FetchRequest) Package() (ArchiveName, bool) {
	return ParseArchiveName(r.Name)
}

// String formats r back into the print-uris line format.
func (r *FetchRequest) String() string {
	var b strings.Builder
	b.WriteString("'")
	b.WriteString(r.URL)
	b.WriteString("' ")
	b.WriteString(r.Name)
	if r.HasSize() {
		b.WriteString(" ")
		b.WriteString(strconv.FormatInt(r.Size, 10))
	}
	for _, c := range r.Checksums {
		b.WriteString(" ")
		b.WriteString(c.String())
	}
	return b.String()
}

func parseErr(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrParse)
}

// ParseURILine parses one line of print-uris output.
//
// A missing or non-numeric size is treated as unknown. A missing checksum
// list is accepted; such requests can only be checked by size.
// Checksums with an unrecognised algorithm are kept with Algorithm set to
// Unknown so that the caller can decide how to fail them.
func ParseURILine(line string) (*FetchRequest, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, parseErr("empty line")
	}
	if line[0] != '\'' {
		return nil, parseErr("uri is not quoted: %q", line)
	}

	end := strings.IndexByte(line[1:], '\'')
	if end < 0 {
		return nil, parseErr("unterminated uri: %q", line)
	}
	rawURL := line[1 : end+1]
	if rawURL == "" {
		return nil, parseErr("empty uri: %q", line)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, parseErr("invalid uri %q", rawURL)
	}

	fields := strings.Fields(line[end+2:])
	if len(fields) == 0 {
		return nil, parseErr("file name not found: %q", line)
	}

	req := &FetchRequest{
		URL:  rawURL,
		Name: fields[0],
		Size: -1,
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	rest := fields[1:]
	if len(rest) > 0 && !strings.Contains(rest[0], ":") {
		if size, err := strconv.ParseInt(rest[0], 10, 64); err == nil && size >= 0 {
			req.Size = size
		}
		rest = rest[1:]
	}

	for _, field := range rest {
		c, err := parseChecksum(field)
		if err != nil {
			return nil, err
		}
		req.Checksums = append(req.Checksums, c)
	}
	return req, nil
}

func validateName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return parseErr("unsafe file name %q", name)
	}
	return nil
}

func parseChecksum(field string) (Checksum, error) {
	label, digest, ok := strings.Cut(field, ":")
	if !ok || label == "" || digest == "" {
		return Checksum{}, parseErr("invalid checksum field %q", field)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, parseErr("invalid %s digest %q", label, digest)
	}

	alg := ParseAlgorithm(label)
	if size := alg.DigestSize(); size > 0 && len(raw) != size {
		return Checksum{}, parseErr("%s digest has %d bytes, want %d", label, len(raw), size)
	}
	return Checksum{
		Algorithm: alg,
		Label:     label,
		Digest:    strings.ToLower(digest),
	}, nil
}

// ScanURIs lazily parses resolver output. Lines that do not start with a
// quoted URI (progress chatter, blank lines, comments) are skipped without
// an error; quoted lines that fail to parse yield a nil request and an
// error marked with ErrParse.
func ScanURIs(lines iter.Seq[string]) iter.Seq2[*FetchRequest, error] {
	return func(yield func(*FetchRequest, error) bool) {
		for line := range lines {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "'") {
				continue
			}
			if !yield(ParseURILine(trimmed)) {
				return
			}
		}
	}
}
