package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rangefetch/downloader"
	"rangefetch/internal"
	"rangefetch/utils"
)

var (
	outputPath  string
	configPath  string
	cookiesPath string
	workers     int
	autoWorkers bool
	bufferSize  string
	retries     int
	retryCap    time.Duration
	timeout     time.Duration
	rateLimit   string
	headers     []string
	proxyURL    string
	proxyUser   string
	proxyPass   string
	quiet       bool
	progress    bool
	debug       bool
	logLevel    string
	logFile     string
	config      *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "rangefetch [OPTIONS] <URL>",
	Short:   "Download a file over HTTP with parallel byte-range requests",
	Version: "v1.0.0",
	Long: `rangefetch downloads a single HTTP(S) resource by splitting it into
contiguous byte ranges fetched in parallel and written straight into a
preallocated output file. Servers without range support are downloaded with
one plain GET.

Examples:
  rangefetch https://mirror.example.com/images/disk.iso
  rangefetch -o /tmp/disk.iso -w 16 https://mirror.example.com/images/disk.iso
  rangefetch -r 5M --proxy socks5://127.0.0.1:1080 https://mirror.example.com/big.tar
  rangefetch -H "Authorization: Bearer TOKEN" -c cookies.txt https://example.com/file
  rangefetch probe https://mirror.example.com/images/disk.iso

Send SIGUSR1 to pause or resume a running download.

Environment Variables:
  RANGEFETCH_WORKERS      Number of parallel range requests
  RANGEFETCH_BUFFER_SIZE  Read buffer per worker (e.g., 64KiB)
  RANGEFETCH_RETRIES      Attempts per request
  RANGEFETCH_RETRY_CAP    Upper bound on backoff (e.g., 30s)
  RANGEFETCH_TIMEOUT      Response header timeout in seconds
  RANGEFETCH_RATE_LIMIT   Bandwidth limit (e.g., 5M)
  RANGEFETCH_PROXY        Proxy URL
  RANGEFETCH_LOG_LEVEL    debug, info, warn or error
  RANGEFETCH_LOG_FILE     Write logs to file instead of stderr

Settings are read from --config first, then the environment, then flags.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %v", err)
		}

		internal.LogInfo("rangefetch starting up")
		internal.LogDebug("Configuration loaded: %s", config)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]

		internal.LogInfo("Processing download request for URL: %s", url)

		validator := utils.NewURLValidator()
		urlInfo, err := validator.ParseURL(url)
		if err != nil {
			internal.LogErr(err)
			return fmt.Errorf("invalid URL: %w\n\nOnly absolute http:// and https:// URLs are supported", err)
		}
		internal.LogDebug("URL parsed: %s", urlInfo)

		if outputPath != "" {
			if err := validateOutputPath(outputPath); err != nil {
				validationErr := internal.NewValidationErrorWithValue("output_path", err.Error(), outputPath)
				internal.LogValidationError(validationErr)
				return fmt.Errorf("invalid output path: %v", err)
			}
		}

		requestHeaders, err := parseHeaders(headers)
		if err != nil {
			validationErr := internal.NewValidationErrorWithValue("header", err.Error(), strings.Join(headers, ", ")).
				WithSuggestion(`Use the form -H "Name: value"`)
			internal.LogValidationError(validationErr)
			return err
		}

		if cookiesPath != "" {
			if err := addCookieHeader(requestHeaders, cookiesPath, url); err != nil {
				validationErr := internal.NewValidationErrorWithValue("cookies_file", err.Error(), cookiesPath).
					WithSuggestion("Ensure the file exists and is in Netscape cookie format")
				internal.LogValidationError(validationErr)
				return fmt.Errorf("invalid cookies file: %w", err)
			}
		}

		if !config.QuietMode {
			fmt.Printf("Downloading from: %s\n", url)
			if outputPath != "" {
				fmt.Printf("Output path: %s\n", outputPath)
			} else {
				fmt.Printf("Output path: %s (unless the server names it)\n", urlInfo.Filename)
			}
			if autoWorkers {
				fmt.Println("Workers: auto")
			} else {
				fmt.Printf("Workers: %d\n", config.Workers)
			}
			if config.Throttled() {
				fmt.Printf("Rate limit: %s/s\n", humanize.IBytes(uint64(config.BytesPerSecond)))
			}
			if cookiesPath != "" {
				fmt.Printf("Using cookies from: %s\n", cookiesPath)
			}
			if config.Proxy.Enabled {
				fmt.Printf("Using proxy: %s\n", config.Proxy.String())
			}
			fmt.Println()
		}

		return executeDownload(cmd.Context(), &internal.DownloadRequest{
			URL:     url,
			OutFile: outputPath,
			Headers: requestHeaders,
		})
	},
}

// loadConfiguration builds config from defaults, the optional YAML file,
// the environment and finally the flags the user actually set
func loadConfiguration(cmd *cobra.Command) error {
	config = internal.DefaultConfig()
	config.ShowProgress = true

	if configPath != "" {
		if err := config.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	config.LoadFromEnv()

	flags := cmd.Flags()
	if flags.Changed("workers") {
		config.Workers = workers
	}
	if flags.Changed("buffer-size") {
		size, err := humanize.ParseBytes(bufferSize)
		if err != nil || size == 0 || size > 1<<30 {
			return internal.NewValidationErrorWithValue("buffer_size", "invalid size", bufferSize).
				WithSuggestion("Use sizes like 8KiB, 64KiB or 1MiB")
		}
		config.BufferSize = int(size)
	}
	if flags.Changed("retries") {
		config.MaxRetries = retries
	}
	if flags.Changed("retry-cap") {
		config.RetryCap = retryCap
	}
	if flags.Changed("timeout") {
		config.Timeout = timeout
	}
	if flags.Changed("limit-rate") {
		bps, err := internal.ParseRate(rateLimit)
		if err != nil {
			return internal.NewValidationErrorWithValue("rate_limit", err.Error(), rateLimit).
				WithSuggestion("Use formats like 1M (1 MB/s), 500K (500 KB/s), 2G (2 GB/s), or 1024 (1024 bytes/s)")
		}
		config.BytesPerSecond = bps
	}
	if flags.Changed("proxy") {
		config.Proxy.Enabled = proxyURL != ""
		config.Proxy.URL = proxyURL
	}
	if flags.Changed("proxy-user") {
		config.Proxy.Username = proxyUser
	}
	if flags.Changed("proxy-pass") {
		config.Proxy.Password = proxyPass
	}
	if flags.Changed("progress") {
		config.ShowProgress = progress
	}

	// Update logging configuration based on CLI flags
	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}

	if err := config.ValidateConfig(); err != nil {
		return err
	}
	config.Normalize()
	return nil
}

// parseHeaders turns repeated "Name: value" flags into a header map
func parseHeaders(raw []string) (map[string]string, error) {
	result := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("malformed header %q, expected \"Name: value\"", h)
		}
		result[name] = strings.TrimSpace(value)
	}
	return result, nil
}

// addCookieHeader loads a cookie file and adds the cookies matching url,
// unless a Cookie header was given explicitly
func addCookieHeader(h map[string]string, path, url string) error {
	for name := range h {
		if strings.EqualFold(name, "Cookie") {
			internal.LogDebug("Explicit Cookie header given, ignoring %s", path)
			return nil
		}
	}

	store := utils.NewCookieStore()
	if err := store.LoadCookies(path); err != nil {
		return err
	}
	defer store.Cleanup()

	if cookie := store.CookieHeader(url); cookie != "" {
		h["Cookie"] = cookie
		internal.LogDebug("Loaded %d cookies from %s", store.Len(), path)
	} else {
		internal.LogWarn("No cookie in %s applies to %s", path, url)
	}
	return nil
}

// validateOutputPath checks that the output directory exists and is writable
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return fmt.Errorf("output directory does not exist: %s", dir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}

	testFile, err := os.CreateTemp(dir, ".rangefetch_write_test")
	if err != nil {
		return fmt.Errorf("cannot write to output directory: %v", err)
	}
	testFile.Close()
	os.Remove(testFile.Name())
	return nil
}

func init() {
	config = internal.DefaultConfig()

	rootCmd.AddCommand(probeCmd)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", config.Workers, "Number of parallel range requests (env: RANGEFETCH_WORKERS)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", config.Timeout, "Response header timeout (env: RANGEFETCH_TIMEOUT)")
	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL (env: RANGEFETCH_PROXY)")
	rootCmd.PersistentFlags().StringVar(&proxyUser, "proxy-user", "", "Proxy username")
	rootCmd.PersistentFlags().StringVar(&proxyPass, "proxy-pass", "", "Proxy password")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress and summary output")

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: name from the server or URL)")
	rootCmd.Flags().BoolVar(&autoWorkers, "auto-workers", false, "Choose the worker count from measured latency and throughput")
	rootCmd.Flags().StringVar(&bufferSize, "buffer-size", humanize.IBytes(internal.DefaultBufferSize), "Read buffer per worker (env: RANGEFETCH_BUFFER_SIZE)")
	rootCmd.Flags().IntVar(&retries, "retries", internal.DefaultMaxRetries, "Attempts per request (env: RANGEFETCH_RETRIES)")
	rootCmd.Flags().DurationVar(&retryCap, "retry-cap", 0, "Upper bound on retry backoff, 0 for none (env: RANGEFETCH_RETRY_CAP)")
	rootCmd.Flags().StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit (e.g., 5M for 5MB/s) (env: RANGEFETCH_RATE_LIMIT)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `Extra request header "Name: value" (repeatable)`)
	rootCmd.Flags().StringVarP(&cookiesPath, "cookies", "c", "", "Path to Netscape-format cookie file")
	rootCmd.Flags().BoolVar(&progress, "progress", true, "Show a progress bar")

	// Logging flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging with file and line information (env: RANGEFETCH_DEBUG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: RANGEFETCH_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: RANGEFETCH_LOG_FILE)")

	rootCmd.SetUsageTemplate(`Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// withSignals returns a context cancelled by SIGINT or SIGTERM
func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
			if !config.QuietMode {
				fmt.Fprintf(os.Stderr, "\nReceived %v signal, shutting down gracefully...\n", sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// executeDownload runs one download with the loaded configuration
func executeDownload(parent context.Context, req *internal.DownloadRequest) error {
	ctx, cancel := withSignals(parent)
	defer cancel()

	cfg := config.Clone()
	if autoWorkers {
		cfg.Workers = recommendWorkers(ctx, cfg, req.URL)
	}

	engine := downloader.NewEngine(cfg)
	defer engine.Close()

	if cfg.ShowProgress && !cfg.QuietMode {
		tracker := utils.NewProgressTracker(0, false)
		tracker.SetOutput(os.Stderr)
		if req.OutFile != "" {
			tracker.SetFilename(req.OutFile)
		}
		engine.AddObserver(tracker)
	} else {
		engine.SetProgressCallback(func(fraction float64) {
			internal.LogDebug("Progress: %.1f%%", fraction*100)
		})
	}

	gate := downloader.NewPauseGate()
	stopPause := watchPauseSignal(ctx, gate)
	defer stopPause()

	fileOps := utils.NewFileOperations()
	if req.OutFile != "" && fileOps.FileExists(req.OutFile) {
		internal.LogWarn("Overwriting existing file %s", req.OutFile)
	}

	start := time.Now()
	err := engine.DownloadFile(ctx, req, gate)
	if err != nil {
		var fe *internal.FetchError
		if errors.As(err, &fe) {
			if fe.Type == internal.ErrCancelled {
				return fmt.Errorf("download cancelled")
			}
			if !cfg.QuietMode && fe.Suggestion != "" {
				fmt.Fprintf(os.Stderr, "Suggestion: %s\n", fe.Suggestion)
			}
			if fe.IsRetryable() {
				return fmt.Errorf("%w (the failure looks temporary, try again)", err)
			}
		}
		return err
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if req.OutFile != "" {
		if size, err := fileOps.GetFileSize(req.OutFile); err == nil {
			internal.LogInfo("Saved %s (%s) in %v", req.OutFile, humanize.IBytes(uint64(size)), elapsed)
			return nil
		}
	}
	internal.LogInfo("Download finished in %v", elapsed)
	return nil
}

// recommendWorkers measures the network and falls back to the configured
// worker count when measuring fails
func recommendWorkers(ctx context.Context, cfg *internal.Config, url string) int {
	engine := downloader.NewEngine(cfg)
	defer engine.Close()

	n, err := engine.OptimalWorkers(ctx, url)
	if err != nil {
		internal.LogWarn("Network measurement failed, keeping %d workers: %v", cfg.Workers, err)
		return cfg.Workers
	}
	internal.LogInfo("Using %d workers from network measurement", n)
	if !cfg.QuietMode {
		fmt.Printf("Measured worker count: %d\n", n)
	}
	return n
}
