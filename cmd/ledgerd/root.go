package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bernard/ledger/config"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/version"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool
	redisAddr  string
	httpPort   int
	queueType  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Conversation ledger with background indexing and recollection",
		Long: `ledgerd records conversations in Redis, closes them when idle,
summarizes and indexes closed transcripts in the background and serves
MMR-reranked recollection queries over the vector index.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug mode")
	pf.StringVar(&opts.redisAddr, "redis", "", "override redis address")
	pf.IntVar(&opts.httpPort, "port", 0, "override HTTP port")
	pf.StringVar(&opts.queueType, "queue", "", "override queue type (memory, redis, disabled)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newStatusCmd(opts),
		newRetryIndexingCmd(opts),
		newCancelIndexingCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// overrides maps set flags onto configuration keys.
func (o *rootOptions) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.debug {
		overrides["app.debug"] = true
	}
	if o.redisAddr != "" {
		overrides["redis.address"] = o.redisAddr
	}
	if o.httpPort != 0 {
		overrides["http.port"] = o.httpPort
	}
	if o.queueType != "" {
		overrides["queue.type"] = o.queueType
	}
	return overrides
}

func (o *rootOptions) load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(o.configPath, o.overrides())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration:\n%w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	return log
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "ledgerd - Conversation Ledger\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}
