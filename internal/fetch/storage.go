package fetch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Store is where verified archives end up.
//
// Downloads are written to a temporary file first and only become
// visible under their destination name through Commit.
type Store interface {
	// Open opens an already present archive for reading.
	Open(name string) (*os.File, error)
	// TempFile creates a file to download name into.
	TempFile(name string) (*os.File, error)
	// Commit closes f and moves it to name, replacing any previous file.
	Commit(f *os.File, name string) error
	// Discard closes and removes f.
	Discard(f *os.File)
}

// validatePath validates that a destination name is safe for use within
// the archive directory.
func validatePath(name string) error {
	if name == "" {
		return errors.New("empty file name")
	}
	cleanPath := filepath.Clean(name)

	if cleanPath == "." || cleanPath == ".." {
		return errors.New("unsafe path (contains directory traversal): " + name)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + name)
	}
	if strings.ContainsRune(cleanPath, filepath.Separator) {
		return errors.New("unsafe path (sub directory not allowed): " + name)
	}

	return nil
}

// Storage is a flat archive directory such as /var/cache/apt/archives
// with a partial directory for downloads in progress.
type Storage struct {
	dir     string
	partial string
}

// NewStorage constructs Storage.
//
// dir must be an absolute path to an existing directory.
// partial is created if missing; it must be on the same file system
// as dir for Commit to be atomic.
func NewStorage(dir, partial string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}

	if partial == "" {
		partial = filepath.Join(dir, "partial")
	}
	if err := os.MkdirAll(partial, 0750); err != nil {
		return nil, errors.Wrap(err, "partial directory")
	}

	return &Storage{
		dir:     dir,
		partial: filepath.Clean(partial),
	}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// Path returns the full path of an archive.
func (s *Storage) Path(name string) string {
	return filepath.Join(s.dir, filepath.Clean(name))
}

// Open opens the named archive.
func (s *Storage) Open(name string) (*os.File, error) {
	if err := validatePath(name); err != nil {
		return nil, errors.Wrap(err, "Open")
	}

	return os.Open(s.Path(name)) // #nosec G304 - name validated above
}

// TempFile creates a new temporary file for name in the partial directory,
// opens the file for reading and writing,
// and returns the resulting *os.File.
func (s *Storage) TempFile(name string) (*os.File, error) {
	if err := validatePath(name); err != nil {
		return nil, errors.Wrap(err, "TempFile")
	}

	f, err := os.CreateTemp(s.partial, "_tmp_"+name+"_")
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "TempFile"), ErrStorage)
	}
	return f, nil
}

// Commit moves a verified download into the archive directory.
func (s *Storage) Commit(f *os.File, name string) error {
	if err := validatePath(name); err != nil {
		s.Discard(f)
		return errors.Wrap(err, "Commit")
	}

	tmp := f.Name()
	if err := f.Close(); err != nil {
		s.Discard(f)
		return errors.Mark(errors.Wrap(err, "close "+tmp), ErrStorage)
	}
	if err := os.Chmod(tmp, 0644); err != nil { // #nosec G302 - archives are world readable like apt's
		removeFile(tmp)
		return errors.Mark(errors.Wrap(err, "chmod "+tmp), ErrStorage)
	}

	dst := s.Path(name)
	if err := os.Rename(tmp, dst); err != nil {
		removeFile(tmp)
		return errors.Mark(errors.Wrapf(err, "rename to %s", dst), ErrStorage)
	}
	if err := DirSync(s.dir); err != nil {
		return errors.Mark(errors.Wrap(err, "DirSync"), ErrStorage)
	}
	return nil
}

// Discard closes and removes a temporary file.
func (s *Storage) Discard(f *os.File) {
	closeAndRemoveFile(f)
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	removeFile(filename)
}

func removeFile(filename string) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
