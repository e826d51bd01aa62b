package apt

import (
	"net/url"
	"path"
	"strings"

	version "github.com/knqyf263/go-deb-version"
)

// Ordering is the result of comparing two package versions.
type Ordering int

// Ordering values.
const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "<"
	case Greater:
		return ">"
	default:
		return "="
	}
}

func sign(n int) Ordering {
	switch {
	case n < 0:
		return Less
	case n > 0:
		return Greater
	}
	return Equal
}

// CompareVersions compares a and b with dpkg ordering rules:
// epochs numerically, then upstream version and revision by alternating
// non-digit and digit runs, where '~' sorts before everything, even the
// end of the string.
//
// Strings that are not valid Debian versions sort before every valid one
// and are ordered bytewise among themselves, so the result is a total order
// for arbitrary input.
func CompareVersions(a, b string) Ordering {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)

	switch {
	case errA != nil && errB != nil:
		return sign(strings.Compare(a, b))
	case errA != nil:
		return Less
	case errB != nil:
		return Greater
	}

	if ea, eb := va.Epoch(), vb.Epoch(); ea != eb {
		if ea < eb {
			return Less
		}
		return Greater
	}
	if o := verrevcmp(va.Version(), vb.Version()); o != Equal {
		return o
	}
	return verrevcmp(va.Revision(), vb.Revision())
}

// ValidVersion returns true if v is a well formed Debian version string.
func ValidVersion(v string) bool {
	return version.Valid(v)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// order is the weight of a non-digit character.
func order(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	c := s[i]
	switch {
	case isDigit(c):
		return 0
	case isLetter(c):
		return int(c)
	case c == '~':
		return -1
	}
	return int(c) + 256
}

// verrevcmp compares an upstream version or a revision. Numeric runs
// compare by value, so leading zeros are insignificant.
func verrevcmp(a, b string) Ordering {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		firstDiff := 0

		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			ac, bc := order(a, i), order(b, j)
			if ac != bc {
				return sign(ac - bc)
			}
			i++
			j++
		}

		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}

		for i < len(a) && isDigit(a[i]) && j < len(b) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}

		if i < len(a) && isDigit(a[i]) {
			return Greater
		}
		if j < len(b) && isDigit(b[j]) {
			return Less
		}
		if firstDiff != 0 {
			return sign(firstDiff)
		}
	}
	return Equal
}

// ArchiveName is the package identity encoded in an archive file name.
type ArchiveName struct {
	Package      string
	Version      string
	Architecture string
}

// ParseArchiveName splits a "name_version_arch.deb" file name.
// apt escapes the epoch colon as "%3a"; it is decoded here.
func ParseArchiveName(filename string) (ArchiveName, bool) {
	base := path.Base(filename)
	if !strings.HasSuffix(base, ".deb") {
		return ArchiveName{}, false
	}

	parts := strings.Split(strings.TrimSuffix(base, ".deb"), "_")
	if len(parts) < 3 || parts[0] == "" {
		return ArchiveName{}, false
	}

	// Version is everything between name and architecture
	v := strings.Join(parts[1:len(parts)-1], "_")
	if unescaped, err := url.PathUnescape(v); err == nil {
		v = unescaped
	}

	return ArchiveName{
		Package:      parts[0],
		Version:      v,
		Architecture: parts[len(parts)-1],
	}, true
}
