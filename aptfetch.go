package aptfetch

import (
	"context"

	"github.com/mirrorctl/aptfetch/internal/apt"
	"github.com/mirrorctl/aptfetch/internal/aptget"
	"github.com/mirrorctl/aptfetch/internal/fetch"
)

type (
	// FetchRequest describes one archive to download.
	FetchRequest = apt.FetchRequest
	// Ordering is the result of CompareVersions.
	Ordering = apt.Ordering
	// RepositoryWarning names a repository that failed to update.
	RepositoryWarning = apt.RepositoryWarning

	// Config is the TOML configuration.
	Config = fetch.Config
	// Options adjusts a Run.
	Options = fetch.RunOptions
	// Result is what a Run produced.
	Result = fetch.Result
	// Outcome is the terminal result of one archive.
	Outcome = fetch.Outcome
)

// Version orderings.
const (
	Less    = apt.Less
	Equal   = apt.Equal
	Greater = apt.Greater
)

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return fetch.NewConfig()
}

// ParseURILine parses one line of `apt-get --print-uris` output.
func ParseURILine(line string) (*FetchRequest, error) {
	return apt.ParseURILine(line)
}

// CompareVersions compares two Debian package versions.
func CompareVersions(a, b string) Ordering {
	return apt.CompareVersions(a, b)
}

// Run updates the package lists with the apt-get named in
// config.Resolver, lists the archives of the upgrade and downloads them
// into config.Dir. See fetch.Run for the meaning of the results.
func Run(ctx context.Context, config *Config, opts Options) (*Result, error) {
	resolver := aptget.New(config.Resolver.Path, config.Resolver.UpgradeCommand)
	return fetch.Run(ctx, config, resolver, opts)
}
