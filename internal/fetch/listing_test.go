package fetch

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"
)

const savedListing = `'http://mirror.test/pool/a_1_all.deb' a_1_all.deb 3 SHA256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad
'http://mirror.test/pool/b_1_all.deb' b_1_all.deb 0
`

func writeListing(t *testing.T, name string, compress func(*bytes.Buffer) []byte) string {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString(savedListing)
	data := buf.Bytes()
	if compress != nil {
		data = compress(&buf)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenListing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		compress func(*bytes.Buffer) []byte
	}{
		{name: "uris.txt"},
		{name: "uris.txt.gz", compress: func(in *bytes.Buffer) []byte {
			var out bytes.Buffer
			w := gzip.NewWriter(&out)
			_, _ = w.Write(in.Bytes())
			_ = w.Close()
			return out.Bytes()
		}},
		{name: "uris.txt.xz", compress: func(in *bytes.Buffer) []byte {
			var out bytes.Buffer
			w, err := xz.NewWriter(&out)
			if err != nil {
				panic(err)
			}
			_, _ = w.Write(in.Bytes())
			_ = w.Close()
			return out.Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeListing(t, tt.name, tt.compress)
			listing, err := OpenListing(path)
			if err != nil {
				t.Fatal(err)
			}
			got := slices.Collect(listing.All())
			if err := listing.Wait(); err != nil {
				t.Fatal(err)
			}

			want := strings.Split(strings.TrimSuffix(savedListing, "\n"), "\n")
			if !slices.Equal(got, want) {
				t.Errorf("lines = %q, want %q", got, want)
			}
		})
	}
}

func TestOpenListingErrors(t *testing.T) {
	t.Parallel()

	if _, err := OpenListing(filepath.Join(t.TempDir(), "missing")); !os.IsNotExist(err) {
		t.Errorf("error = %v, want not exist", err)
	}

	path := filepath.Join(t.TempDir(), "garbage.xz")
	if err := os.WriteFile(path, []byte("not xz at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenListing(path); err == nil {
		t.Error("garbage xz accepted")
	}
}
