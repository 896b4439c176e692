package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/madsdk/python-execution-environment/internal/config"
	"github.com/madsdk/python-execution-environment/internal/datastore"
	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/jailor"
	"github.com/madsdk/python-execution-environment/internal/registry"
	"github.com/madsdk/python-execution-environment/internal/rpcgateway"
	"github.com/madsdk/python-execution-environment/internal/surrogate"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile  string
	debug    bool
	coresOpt int
	static   bool
	basedir  string
)

var rootCmd = &cobra.Command{
	Use:   "pexecenv",
	Short: "pexecenv — distributed compute surrogate",
	Long:  "pexecenv runs the static surrogate: a task-execution daemon that installs, validates and dispatches untrusted task code across a fixed pool of worker cores.",
	Run: func(cmd *cobra.Command, args []string) {
		runSurrogate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $PEXECENV_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&coresOpt, "cores", "c", 0, "override cpu.cores from the config file")
	rootCmd.PersistentFlags().BoolVarP(&static, "static", "s", true, "run the static surrogate variant")
	rootCmd.PersistentFlags().StringVar(&basedir, "basedir", ".", "directory containing tasks/ (task file I/O is rooted at storage/ in the working directory)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(taskCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pexecenv %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("PEXECENV_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSurrogate() {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if coresOpt > 0 {
		cfg.OverrideCores(coresOpt)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	reg, err := registry.New(basedir)
	if err != nil {
		slog.Error("failed to initialize task registry", "error", err)
		os.Exit(1)
	}

	jail, err := jailor.New(reg, cfg.CPU.Cores)
	if err != nil {
		slog.Error("failed to initialize jailor", "error", err)
		os.Exit(1)
	}

	store, err := datastore.Open(cfg.Datastore.Path, cfg.Datastore.DefaultTTLSecs)
	if err != nil {
		slog.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	surrEnd, jailEnd := ipc.NewPair("surrogate", "jailor")
	jail.Bind(jailEnd)
	defer surrEnd.Close()
	defer jailEnd.Close()

	surr := surrogate.New(cfg, surrEnd, store)
	defer surr.Stop()

	gw := rpcgateway.NewServer(cfg, surr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("pexecenv starting", "name", cfg.Static.Name, "cores", cfg.CPU.Cores)
	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}

	if err := jail.Stop(context.Background()); err != nil {
		slog.Error("error stopping jailor", "error", err)
	}
}
