package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/cfg"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

const appName = "nightly-sync"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const defConfigFile = "/etc/nightly-sync/config.toml"

type arguments struct {
	Verbose    bool
	ConfigFile string
}

var args arguments

// exitCode is the exit code of the process when the command returned
// without an error.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Tag, merge and announce nightly toolchain CI results",
	Long: `nightly-sync processes the outcome of CI runs of the nightly-testing branch.

On success it creates the nightly-testing-<release> tag for the tested
toolchain release, merges the upstream nightly release into the tracking
branch and announces the result in a Zulip topic. Failures are always
announced, successes only when the previous announcement was not a success.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&args.Verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&args.ConfigFile, "cfg-file", "c", defConfigFile, "path to the configuration file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(versionCmd)
}

func addDryRunFlag(flags *pflag.FlagSet, dryRun *bool) {
	flags.BoolVar(dryRun, "dry-run", false, "do not create tags, push branches or post messages, only log what would be done")
}

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func mustLoadCfg() *cfg.Config {
	// exitOnErr is used instead of logger.Fatal() because the logger is
	// not initialized yet
	config, err := cfg.LoadFile(args.ConfigFile)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", args.ConfigFile), err)

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func logCfg(config *cfg.Config) {
	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", args.ConfigFile),
		zap.String("tracked_branch", config.TrackedBranch),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("github_server_url", config.GithubServerURL),
		zap.String("retry_timeout", config.RetryTimeout),
		zap.String("state_db", config.StateDB),
		zap.String("metrics_pushgateway_url", config.MetricsPushgatewayURL),
		zap.Bool("dry_run", config.DryRun),
		zap.String("source.repository", config.Source.FullName()),
		zap.String("source.backend", config.Source.Backend),
		zap.String("source.work_dir", config.Source.WorkDir),
		zap.String("upstream.work_dir", config.Upstream.WorkDir),
		zap.String("upstream.tags_url", config.Upstream.TagsURL),
		zap.String("upstream.tracking_branch", config.Upstream.TrackingBranch),
		zap.String("notification.zulip_site", config.Notification.ZulipSite),
		zap.String("notification.zulip_email", config.Notification.ZulipEmail),
		zap.String("notification.zulip_api_key", hide(config.Notification.ZulipAPIKey)),
		zap.String("notification.stream", config.Notification.Stream),
		zap.String("notification.topic", config.Notification.Topic),
		zap.String("notification.dedup_source", config.Notification.DedupSource),
		zap.String("server.listen_addr", config.Server.ListenAddr),
		zap.String("server.https_listen_addr", config.Server.HTTPSListenAddr),
		zap.String("server.webhook_endpoint", config.Server.WebhookEndpoint),
		zap.String("server.webhook_secret", hide(config.Server.WebhookSecret)),
		zap.String("server.filter_query", config.Server.FilterQuery),
	)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		goodbye.Exit(context.Background(), 1)
	}

	goodbye.Exit(context.Background(), exitCode)
}
