/*
Package aptfetch downloads the archives of a pending APT upgrade.

aptfetch drives apt-get to plan an upgrade and then fetches the planned
archives itself, with features including:
  - Concurrent downloads with a connection limit and connection spacing
  - Size and multi-digest verification before an archive is committed
  - Retries with exponential backoff, separating transient from permanent failures
  - Detection of repositories that failed to update
  - Debian version ordering and pruning of superseded archives

The main packages are:

	github.com/mirrorctl/aptfetch/internal/apt     - print-uris parsing, update warnings, versions and checksums
	github.com/mirrorctl/aptfetch/internal/fetch   - fetch scheduler, HTTP backend, archive storage and workflow
	github.com/mirrorctl/aptfetch/internal/aptget  - apt-get process wrapper
	github.com/mirrorctl/aptfetch/cmd/aptfetch     - Command-line interface
*/
package aptfetch
