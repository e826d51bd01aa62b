// Package main implements the aptfetch command-line tool for downloading
// the archives of a pending APT upgrade.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/aptfetch/internal/apt"
	"github.com/mirrorctl/aptfetch/internal/aptget"
	"github.com/mirrorctl/aptfetch/internal/fetch"
)

const (
	defaultConfigPath = "/etc/aptfetch/aptfetch.toml"
)

var errConfigNotFound = errors.New("configuration file not found")

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "aptfetch",
	Short: "Download the archives of an APT upgrade",
	Long: `aptfetch refreshes the package lists, asks apt-get which archives an upgrade
needs and downloads them concurrently into the archive cache, verifying each
one against the checksums apt declared.

Find more information at: https://github.com/mirrorctl/aptfetch`,
	SilenceUsage: true,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Update package lists and download the upgrade's archives",
	Long: `Runs apt-get update, lists the archives of the configured upgrade command
with --print-uris and downloads them into the configured directory.

Usage:
  # Full workflow with the default configuration
  aptfetch fetch

  # Skip the package list refresh
  aptfetch fetch --no-update

  # Download from a saved print-uris listing (plain, .gz or .xz)
  aptfetch fetch --uris uris.txt.xz

  # Keep only the newest two versions of each package afterwards
  aptfetch fetch --prune 2`,
	Args: cobra.NoArgs,
	Run:  runFetch,
}

var urisCmd = &cobra.Command{
	Use:   "uris",
	Short: "Print the archives an upgrade would download",
	Long: `Prints the parsed print-uris records, one per line. Malformed lines are
reported on stderr.`,
	Args: cobra.NoArgs,
	Run:  runURIs,
}

var compareCmd = &cobra.Command{
	Use:   "compare <version-a> <version-b>",
	Short: "Compare two Debian package versions",
	Long: `Prints "<", "=" or ">" depending on how version-a sorts against version-b.

Examples:
  aptfetch compare 1.0~rc1 1.0
  aptfetch compare 1:0.9 2.0`,
	Args: cobra.ExactArgs(2),
	Run:  runCompare,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove superseded archive versions",
	Long: `Removes all but the newest archives of every package and architecture
found in the configured directory.

Examples:
  aptfetch prune
  aptfetch prune --keep 2 --dry-run`,
	Args: cobra.NoArgs,
	Run:  runPrune,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("aptfetch %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(urisCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	fetchCmd.Flags().Bool("no-update", false, "do not run apt-get update first")
	fetchCmd.Flags().String("uris", "", "read a saved print-uris listing instead of asking apt-get")
	fetchCmd.Flags().Int("prune", 0, "after fetching, keep only this many versions of each package (0 disables)")
	fetchCmd.Flags().Bool("no-progress", false, "do not show a progress bar")

	urisCmd.Flags().String("uris", "", "read a saved print-uris listing instead of asking apt-get")

	pruneCmd.Flags().Int("keep", 1, "number of versions to keep per package and architecture")
	pruneCmd.Flags().Bool("dry-run", false, "only list the archives that would be removed")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	msg := err.Error()
	// apt-get's stderr is attached as a detail
	if details := errors.FlattenDetails(err); details != "" {
		msg += ": " + details
	}
	return msg
}

// analyzeUndecoded splits undecoded TOML keys into suggestions for
// known sections written with the wrong case and keys that match nothing.
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	sections := map[string]bool{"log": true, "resolver": true}
	seen := make(map[string]bool)

	for _, key := range undecoded {
		keyStr := key.String()
		root := key[0]
		lower := strings.ToLower(root)
		if root != lower && sections[lower] {
			if !seen[root] {
				seen[root] = true
				suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", root, lower))
			}
			continue
		}
		unknown = append(unknown, keyStr)
	}
	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
	}

	return errorMsg.String()
}

// decodeConfig reads configPath without touching the logger.
func decodeConfig() (*fetch.Config, error) {
	config := fetch.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Wrap(err, "configuration file not found"), errConfigNotFound)
		}
		return nil, errors.Wrap(err, "failed to decode config file")
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("configuration validation failed: %s", formatUndecodedError(undecoded))
	}
	return config, nil
}

// loadConfig decodes the configuration and applies the log settings
// and command-line overrides. It exits on failure.
func loadConfig(cmd *cobra.Command) *fetch.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := decodeConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		if errors.Is(err, errConfigNotFound) {
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
		}
		os.Exit(1)
	}

	// Apply log configuration immediately after config loading
	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}
	return config
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runFetch(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noUpdate, _ := cmd.Flags().GetBool("no-update")
	urisPath, _ := cmd.Flags().GetString("uris")
	keep, _ := cmd.Flags().GetInt("prune")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	config := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	opts := fetch.RunOptions{NoUpdate: noUpdate}
	if urisPath != "" {
		listing, err := fetch.OpenListing(urisPath)
		if err != nil {
			slog.Error("failed to open listing", "path", urisPath, "error", formatError(err, verboseErrors))
			os.Exit(1)
		}
		opts.Listing = listing
	}

	var progress *byteProgress
	if !quiet && !noProgress {
		progress = newByteProgress(os.Stderr)
		opts.Observer = progress.Observe
	}

	resolver := aptget.New(config.Resolver.Path, config.Resolver.UpgradeCommand)
	res, err := fetch.Run(ctx, config, resolver, opts)
	if err != nil {
		slog.Error("fetch failed", "error", formatError(err, verboseErrors))
		if h := fatalHint(err, config); h != "" {
			slog.Info(h)
		} else if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if progress != nil {
		progress.Start()
	}
	var outcomes []*fetch.Outcome
	for o := range res.Outcomes {
		outcomes = append(outcomes, o)
	}
	if progress != nil {
		progress.Finish()
	}

	s := summarize(outcomes)
	if !quiet {
		printSummary(os.Stdout, res, s, verboseErrors)
	}

	if keep > 0 && ctx.Err() == nil {
		if _, err := pruneDir(ctx, config.Dir, keep, false); err != nil {
			slog.Error("prune failed", "error", formatError(err, verboseErrors))
			os.Exit(1)
		}
	}

	if !s.ok() || res.ListErr != nil {
		os.Exit(1)
	}
}

// fatalHint suggests a remedy for a workflow error, or returns "".
func fatalHint(err error, config *fetch.Config) string {
	switch {
	case errors.Is(err, fetch.ErrLocked):
		// flock does not see apt's fcntl lock, so only our own runs collide.
		return "another aptfetch process is using the archive directory " + config.Dir
	case errors.Is(err, fetch.ErrResolverMissing):
		return "check resolver.path in the configuration: " + config.Resolver.Path
	}
	return ""
}

// summary counts outcomes by kind.
type summary struct {
	fetched, reused, failed, cancelled, unverified int
	bytes                                          int64
	failures                                       []*fetch.Outcome
}

func (s *summary) ok() bool {
	return s.failed == 0 && s.cancelled == 0
}

func summarize(outcomes []*fetch.Outcome) *summary {
	s := &summary{}
	for _, o := range outcomes {
		switch o.Kind {
		case fetch.Fetched:
			s.fetched++
			s.bytes += o.Bytes
		case fetch.AlreadyValid:
			s.reused++
		case fetch.Failed:
			s.failed++
			s.failures = append(s.failures, o)
		case fetch.Cancelled:
			s.cancelled++
		}
		if o.Unverified {
			s.unverified++
		}
	}
	return s
}

func printSummary(w io.Writer, res *fetch.Result, s *summary, verbose bool) {
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	fail := color.New(color.FgRed)

	for _, rw := range res.Warnings {
		warn.Fprintf(w, "W: %s\n", rw)
	}
	if res.UpdateErr != nil {
		warn.Fprintf(w, "W: package lists may be stale: %s\n", formatError(res.UpdateErr, verbose))
	}
	if res.ListErr != nil {
		fail.Fprintf(w, "E: listing archives failed: %s\n", formatError(res.ListErr, verbose))
	}
	if n := len(res.ParseErrors); n > 0 {
		warn.Fprintf(w, "W: skipped %d malformed print-uris lines\n", n)
	}

	for _, o := range s.failures {
		fail.Fprintf(w, "E: %s (%s, %d attempts): %s\n", o.Request.Name, o.ErrKind, o.Attempts, formatError(o.Err, verbose))
	}
	if s.unverified > 0 {
		warn.Fprintf(w, "W: %d archives had no checksum and were not verified\n", s.unverified)
	}

	bold.Fprintf(w, "%d fetched (%d bytes), %d already present, %d failed, %d cancelled\n",
		s.fetched, s.bytes, s.reused, s.failed, s.cancelled)
}

func runURIs(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	urisPath, _ := cmd.Flags().GetString("uris")

	config := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	var listing apt.Lines
	var err error
	if urisPath != "" {
		listing, err = fetch.OpenListing(urisPath)
	} else {
		listing, err = aptget.New(config.Resolver.Path, config.Resolver.UpgradeCommand).PrintURIs(ctx)
	}
	if err != nil {
		slog.Error("failed to list archives", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if n := printURIs(os.Stdout, listing); n > 0 {
		slog.Warn("skipped malformed lines", "count", n)
	}
	if err := listing.Wait(); err != nil {
		slog.Error("failed to list archives", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

// printURIs writes every well formed request in listing to w and returns
// the number of malformed lines.
func printURIs(w io.Writer, listing apt.Lines) int {
	malformed := 0
	for req, err := range apt.ScanURIs(listing.All()) {
		if err != nil {
			slog.Warn("skipping malformed line", "error", err)
			malformed++
			continue
		}
		fmt.Fprintln(w, req)
	}
	return malformed
}

func runCompare(_ *cobra.Command, args []string) {
	for _, v := range args {
		if !apt.ValidVersion(v) {
			slog.Warn("not a valid Debian version, comparing bytewise", "version", v)
		}
	}
	fmt.Println(apt.CompareVersions(args[0], args[1]))
}

func runPrune(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	keep, _ := cmd.Flags().GetInt("keep")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	config := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	pruned, err := pruneDir(ctx, config.Dir, keep, dryRun)
	if err != nil {
		slog.Error("prune failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if dryRun {
		if len(pruned.Removed) == 0 {
			fmt.Println("No archives would be removed")
			return
		}
		fmt.Printf("Would remove %d archives (%d bytes):\n", len(pruned.Removed), pruned.Bytes)
		for _, name := range pruned.Removed {
			fmt.Printf("  - %s\n", name)
		}
	}
}

// pruneDir runs Prune under the directory lock.
func pruneDir(ctx context.Context, dir string, keep int, dryRun bool) (*fetch.Pruned, error) {
	if keep < 1 {
		return nil, errors.Newf("keep must be positive: %d", keep)
	}

	unlock, err := fetch.LockDir(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if dryRun {
		return fetch.PrunePlan(dir, keep)
	}

	pruned, err := fetch.Prune(ctx, dir, keep)
	if err != nil {
		return nil, err
	}
	if len(pruned.Removed) > 0 {
		slog.Info("pruned archives", "count", len(pruned.Removed), "bytes", pruned.Bytes)
	} else {
		slog.Info("no archives pruned", "dir", dir)
	}
	return pruned, nil
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := decodeConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
