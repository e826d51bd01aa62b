package apt

import (
	"crypto/md5"  // #nosec G501 - MD5 required for APT repository compatibility
	"crypto/sha1" // #nosec G505 - SHA1 required for APT repository compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrChecksumMismatch is returned when a digest differs from the declared value.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrTruncated is returned when fewer bytes than declared could be read.
	// It usually points at an interrupted transfer rather than corruption.
	ErrTruncated = errors.New("truncated content")

	// ErrSizeMismatch is returned when more bytes than declared were read.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrUnsupportedAlgorithm is returned for checksums no handler is registered for.
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
)

// Algorithm identifies a digest algorithm used in APT metadata.
type Algorithm int

// Known algorithms. Unknown is kept for checksums whose label
// did not match a registered handler.
const (
	Unknown Algorithm = iota
	MD5
	SHA1
	SHA256
	SHA512
)

type algorithmHandler struct {
	name    string
	size    int
	newHash func() hash.Hash
}

var (
	registryMu sync.RWMutex
	handlers   = map[Algorithm]algorithmHandler{
		MD5:    {name: "MD5Sum", size: md5.Size, newHash: md5.New}, // #nosec G401
		SHA1:   {name: "SHA1", size: sha1.Size, newHash: sha1.New}, // #nosec G401
		SHA256: {name: "SHA256", size: sha256.Size, newHash: sha256.New},
		SHA512: {name: "SHA512", size: sha512.Size, newHash: sha512.New},
	}
	labels = map[string]Algorithm{
		"md5":     MD5,
		"md5sum":  MD5,
		"sha1":    SHA1,
		"sha256":  SHA256,
		"sha512":  SHA512,
		"sha-1":   SHA1,
		"sha-256": SHA256,
		"sha-512": SHA512,
	}
)

// RegisterAlgorithm adds a digest handler. The labels are matched
// case-insensitively when parsing checksum fields.
func RegisterAlgorithm(a Algorithm, name string, size int, newHash func() hash.Hash, aliases ...string) error {
	if a == Unknown {
		return errors.New("cannot register the Unknown algorithm")
	}
	if newHash == nil || size <= 0 {
		return errors.Newf("invalid handler for %s", name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	handlers[a] = algorithmHandler{name: name, size: size, newHash: newHash}
	labels[strings.ToLower(name)] = a
	for _, alias := range aliases {
		labels[strings.ToLower(alias)] = a
	}
	return nil
}

// ParseAlgorithm returns the algorithm for a label such as "SHA256" or "MD5Sum".
// Unknown is returned for labels without a registered handler.
func ParseAlgorithm(label string) Algorithm {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return labels[strings.ToLower(label)]
}

func (a Algorithm) String() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if h, ok := handlers[a]; ok {
		return h.name
	}
	return "unknown"
}

// DigestSize returns the digest length in bytes, or 0 if a is not registered.
func (a Algorithm) DigestSize() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return handlers[a].size
}

func (a Algorithm) handler() (algorithmHandler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := handlers[a]
	return h, ok
}

// Checksum is an (algorithm, expected digest) pair.
type Checksum struct {
	Algorithm Algorithm
	// Label is the algorithm name as written in the source line.
	Label string
	// Digest is the lower case hex encoded expected value.
	Digest string
}

func (c Checksum) String() string {
	return c.Label + ":" + c.Digest
}

// ChecksumResult is the verification result of a single Checksum.
type ChecksumResult struct {
	Checksum
	Actual string
	OK     bool
}

// Verification reports what Verify found.
type Verification struct {
	Size    int64
	Results []ChecksumResult
}

// Unverified returns true if no digest was checked.
// Such content has at most been checked for its size.
func (v *Verification) Unverified() bool {
	return len(v.Results) == 0
}

// OK returns true if every listed checksum matched.
func (v *Verification) OK() bool {
	for _, r := range v.Results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Verifier runs all requested digests over a single stream of bytes.
// A Verifier is not safe for concurrent use; each request gets its own.
type Verifier struct {
	size   int64
	sums   []Checksum
	hashes []hash.Hash
	n      int64
	w      io.Writer
}

// NewVerifier returns a Verifier expecting size bytes (negative if unknown)
// matching every checksum in sums.
func NewVerifier(size int64, sums []Checksum) (*Verifier, error) {
	v := &Verifier{size: size, sums: sums}
	writers := make([]io.Writer, 0, len(sums))
	for _, c := range sums {
		h, ok := c.Algorithm.handler()
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "%s", c.Label)
		}
		hh := h.newHash()
		v.hashes = append(v.hashes, hh)
		writers = append(writers, hh)
	}
	v.w = io.MultiWriter(writers...)
	return v, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.w.Write(p)
	v.n += int64(n)
	return n, err
}

// Finish compares what was written against the expectations.
// The returned Verification is valid even when an error is returned,
// and lists a result for every checksum.
func (v *Verifier) Finish() (*Verification, error) {
	res := &Verification{Size: v.n}

	var failed []string
	for i, c := range v.sums {
		actual := hex.EncodeToString(v.hashes[i].Sum(nil))
		ok := actual == strings.ToLower(c.Digest)
		res.Results = append(res.Results, ChecksumResult{Checksum: c, Actual: actual, OK: ok})
		if !ok {
			failed = append(failed, c.Label)
		}
	}

	// A size error takes precedence; Results still carry every digest.
	switch {
	case v.size >= 0 && v.n < v.size:
		return res, errors.Wrapf(ErrTruncated, "read %d of %d bytes", v.n, v.size)
	case v.size >= 0 && v.n > v.size:
		return res, errors.Wrapf(ErrSizeMismatch, "read %d bytes, expected %d", v.n, v.size)
	}
	if len(failed) > 0 {
		return res, errors.Wrapf(ErrChecksumMismatch, "%s", strings.Join(failed, ", "))
	}
	return res, nil
}

// Verify streams r once through every digest in sums and checks the
// total length against size (ignored when negative).
//
// An empty sums list passes, but the Verification reports Unverified.
func Verify(r io.Reader, size int64, sums []Checksum) (*Verification, error) {
	v, err := NewVerifier(size, sums)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(v, r); err != nil {
		return &Verification{Size: v.n}, errors.Wrap(err, "read")
	}
	return v.Finish()
}
