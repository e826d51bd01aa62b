package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

// Pruned lists archives removed by Prune.
type Pruned struct {
	Removed []string
	Bytes   int64
}

type archiveKey struct {
	name, arch string
}

type archiveFile struct {
	file    string
	version string
	size    int64
}

// PrunePlan returns the archives Prune would remove without removing them.
func PrunePlan(dir string, keep int) (*Pruned, error) {
	stale, err := superseded(dir, keep)
	if err != nil {
		return nil, err
	}
	res := &Pruned{}
	for _, f := range stale {
		res.Removed = append(res.Removed, f.file)
		res.Bytes += f.size
	}
	slices.Sort(res.Removed)
	return res, nil
}

// Prune removes superseded archives from dir, keeping the newest keep
// versions of every (package, architecture) pair. Files that are not
// named like Debian archives are left alone.
func Prune(ctx context.Context, dir string, keep int) (*Pruned, error) {
	stale, err := superseded(dir, keep)
	if err != nil {
		return nil, err
	}

	res := &Pruned{}
	for _, f := range stale {
		select {
		case <-ctx.Done():
			slices.Sort(res.Removed)
			return res, ctx.Err()
		default:
		}

		filePath := filepath.Join(dir, f.file)
		slog.Info("removing old archive", "path", filePath, "version", f.version)
		if err := os.Remove(filePath); err != nil {
			slices.Sort(res.Removed)
			return res, errors.Wrap(err, "prune")
		}
		res.Removed = append(res.Removed, f.file)
		res.Bytes += f.size
	}

	if len(res.Removed) > 0 {
		if err := DirSync(dir); err != nil {
			return res, errors.Wrap(err, "prune")
		}
	}
	slices.Sort(res.Removed)
	return res, nil
}

// superseded lists the archives in dir beyond the newest keep versions
// of their group.
func superseded(dir string, keep int) ([]archiveFile, error) {
	if keep < 1 {
		return nil, errors.Newf("keep must be positive: %d", keep)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "prune")
	}

	groups := make(map[archiveKey][]archiveFile)
	for _, dirEntry := range dirEntries {
		if !dirEntry.Type().IsRegular() {
			continue
		}
		an, ok := apt.ParseArchiveName(dirEntry.Name())
		if !ok {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			return nil, errors.Wrap(err, "prune")
		}
		key := archiveKey{name: an.Package, arch: an.Architecture}
		groups[key] = append(groups[key], archiveFile{
			file:    dirEntry.Name(),
			version: an.Version,
			size:    info.Size(),
		})
	}

	var stale []archiveFile
	for _, files := range groups {
		if len(files) <= keep {
			continue
		}

		// newest first
		slices.SortFunc(files, func(a, b archiveFile) int {
			return int(apt.CompareVersions(b.version, a.version))
		})
		stale = append(stale, files[keep:]...)
	}
	return stale, nil
}
