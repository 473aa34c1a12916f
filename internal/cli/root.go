// Package cli composes the command surface: the default download command
// plus log, search, config, and auth subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/refsmith/downloader/internal/config"
	"github.com/refsmith/downloader/internal/version"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	exitCode := ExitSuccess
	root := newRootCommand(&exitCode)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}
	return exitCode
}

type rootFlags struct {
	outputDir       string
	projectName     string
	concurrency     int
	rateLimitMs     uint64
	rateLimitJitter uint64
	maxRetries      int
	respectful      bool
	checkRobots     bool
	dryRun          bool
	verbose         bool
	quiet           bool
	debug           bool
	cookiesPath     string
	saveCookies     bool
	detectTopics    bool
	topicsFile      string
	sidecar         bool
	listenAddr      string
	bundleEnabled   bool
	bundlesOut      string
	bundleSizeGB    int64
}

func newRootCommand(exitCode *int) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:     "downloader [urls...]",
		Short:   "Batch downloader for papers referenced by URL, DOI, reference, or BibTeX",
		Version: version.Version,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := effectiveSettings(cmd, flags)
			if err != nil {
				return err
			}
			opts := &downloadOptions{
				urls:          args,
				projectName:   flags.projectName,
				cookiesPath:   flags.cookiesPath,
				saveCookies:   flags.saveCookies,
				dryRun:        flags.dryRun,
				listenAddr:    flags.listenAddr,
				bundleEnabled: flags.bundleEnabled,
				bundlesOut:    flags.bundlesOut,
				bundleSizeGB:  flags.bundleSizeGB,
			}
			*exitCode = runDownload(settings, opts)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&flags.outputDir, "output-dir", "o", "", "Directory to store downloads (default: current directory)")
	root.Flags().StringVarP(&flags.projectName, "project", "p", "", "Project subdirectory scoping downloads and history ('/' nests)")
	root.Flags().IntVarP(&flags.concurrency, "concurrency", "c", config.DefaultConcurrency, "Parallel downloads (1-100)")
	root.Flags().Uint64VarP(&flags.rateLimitMs, "rate-limit", "l", config.DefaultRateLimitMs, "Per-domain minimum delay in ms (0 disables)")
	root.Flags().Uint64Var(&flags.rateLimitJitter, "rate-limit-jitter", 0, "Extra random delay in ms added per request")
	root.Flags().IntVarP(&flags.maxRetries, "max-retries", "r", config.DefaultMaxRetries, "Attempts per item including the first")
	root.Flags().BoolVar(&flags.respectful, "respectful", false, "Conservative preset: c=2, rate=3000ms, retries=1, robots on")
	root.Flags().BoolVar(&flags.checkRobots, "check-robots", false, "Consult robots.txt before each download (advisory)")
	root.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Parse and resolve without downloading or touching the queue")
	root.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose logging")
	root.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Errors only")
	root.Flags().BoolVar(&flags.debug, "debug", false, "Debug logging")
	root.Flags().StringVar(&flags.cookiesPath, "cookies", "", "Netscape cookies.txt to load ('-' reads stdin)")
	root.Flags().BoolVar(&flags.saveCookies, "save-cookies", false, "Persist imported cookies encrypted at rest")
	root.Flags().BoolVar(&flags.detectTopics, "detect-topics", false, "Extract topic keywords from resolved titles")
	root.Flags().StringVar(&flags.topicsFile, "topics-file", "", "Custom topics file constraining topic extraction")
	root.Flags().BoolVar(&flags.sidecar, "sidecar", false, "Write a JSON-LD sidecar next to each download")
	root.Flags().StringVar(&flags.listenAddr, "listen", "", "Serve Prometheus metrics and pprof at this address")
	root.Flags().BoolVar(&flags.bundleEnabled, "bundle", false, "Pack completed downloads into rolling tar.zst archives")
	root.Flags().StringVar(&flags.bundlesOut, "bundles-out", "", "Directory for .tar.zst bundles (default: <output>/bundles)")
	root.Flags().Int64Var(&flags.bundleSizeGB, "bundle-size-gb", 8, "Target bundle size in GB")

	root.AddCommand(newLogCommand())
	root.AddCommand(newSearchCommand(exitCode))
	root.AddCommand(newConfigCommand())
	root.AddCommand(newAuthCommand())

	return root
}

// effectiveSettings merges built-in defaults, the discovered config file,
// and explicit CLI flags (CLI wins), then applies the respectful preset.
func effectiveSettings(cmd *cobra.Command, flags *rootFlags) (*config.Settings, error) {
	loaded, err := config.Load()
	if err != nil {
		return nil, err
	}

	settings := config.DefaultSettings()
	overrides := config.CLIOverrides{
		OutputDir:    cmd.Flags().Changed("output-dir"),
		Concurrency:  cmd.Flags().Changed("concurrency"),
		RateLimit:    cmd.Flags().Changed("rate-limit"),
		MaxRetries:   cmd.Flags().Changed("max-retries"),
		Respectful:   cmd.Flags().Changed("respectful"),
		CheckRobots:  cmd.Flags().Changed("check-robots"),
		Verbosity:    cmd.Flags().Changed("verbose") || cmd.Flags().Changed("quiet") || cmd.Flags().Changed("debug"),
		DetectTopics: cmd.Flags().Changed("detect-topics"),
		TopicsFile:   cmd.Flags().Changed("topics-file"),
		Sidecar:      cmd.Flags().Changed("sidecar"),
	}

	if overrides.OutputDir {
		settings.OutputDir = flags.outputDir
	}
	if overrides.Concurrency {
		settings.Concurrency = flags.concurrency
	}
	if overrides.RateLimit {
		settings.RateLimitMs = flags.rateLimitMs
	}
	if cmd.Flags().Changed("rate-limit-jitter") {
		settings.RateLimitJitterMs = flags.rateLimitJitter
	}
	if overrides.MaxRetries {
		settings.MaxRetries = flags.maxRetries
	}
	if overrides.Respectful {
		settings.Respectful = flags.respectful
	}
	if overrides.CheckRobots {
		settings.CheckRobots = flags.checkRobots
	}
	if overrides.Verbosity {
		switch {
		case flags.debug:
			settings.Verbosity = config.VerbosityDebug
		case flags.quiet:
			settings.Verbosity = config.VerbosityQuiet
		case flags.verbose:
			settings.Verbosity = config.VerbosityVerbose
		}
	}
	if overrides.DetectTopics {
		settings.DetectTopics = flags.detectTopics
	}
	if overrides.TopicsFile {
		settings.TopicsFile = flags.topicsFile
	}
	if overrides.Sidecar {
		settings.Sidecar = flags.sidecar
	}

	fileConfig := loaded.Config
	if fileConfig != nil && cmd.Flags().Changed("rate-limit-jitter") {
		withoutJitter := *fileConfig
		withoutJitter.RateLimitJitter = nil
		fileConfig = &withoutJitter
	}

	applied, err := config.Apply(settings, overrides, fileConfig)
	if err != nil {
		return nil, err
	}
	return &applied, nil
}
