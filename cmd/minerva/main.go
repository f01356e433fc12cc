package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/monitoring"
	"github.com/casonadams/minerva/internal/service"
)

var version = "dev"

// globals shared by every command
type globals struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string

	threads     int
	contextSize int
	noAccel     bool
	modelsDir   string
	endpoint    string
	binary      string

	rt config.Runtime
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewCLI().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func NewCLI() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "minerva",
		Short:         "Local transformer inference",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(g.logLevel, g.logFormat)
			return g.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "YAML runtime configuration file")
	f.StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&g.logFormat, "log-format", "console", "Log format (console, json)")
	f.StringVar(&g.metricsAddr, "metrics", "", "Serve /healthz, /status and /metrics on this address")
	f.IntVar(&g.threads, "threads", 0, "CPU threads for kernels and loading")
	f.IntVar(&g.contextSize, "ctx", 0, "Context window ceiling in tokens")
	f.BoolVar(&g.noAccel, "no-accel", false, "Run every op on the CPU path")
	f.StringVar(&g.modelsDir, "models-dir", "", "Ollama model store (default $OLLAMA_MODELS or ~/.ollama/models)")
	f.StringVar(&g.endpoint, "runtime-endpoint", "", "Address of an external inference runtime")
	f.StringVar(&g.binary, "runtime-binary", "", "External inference runtime to spawn")

	root.AddCommand(
		newGenerateCmd(g),
		newInspectCmd(g),
		newRuntimeCmd(g),
		newMkModelCmd(),
	)
	return root
}

// load builds the runtime config: defaults, then the YAML file, then flags
// that were set explicitly.
func (g *globals) load(cmd *cobra.Command) error {
	rt, err := loadRuntime(g.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("threads") {
		rt.Threads = g.threads
	}
	if flags.Changed("ctx") {
		rt.ContextSize = g.contextSize
	}
	if flags.Changed("no-accel") {
		rt.Accelerator = !g.noAccel
	}
	if flags.Changed("models-dir") {
		rt.ModelsDir = g.modelsDir
	}
	if flags.Changed("runtime-endpoint") {
		rt.ExternalEndpoint = g.endpoint
	}
	if flags.Changed("runtime-binary") {
		rt.ExternalBinary = g.binary
	}
	if err := rt.Validate(); err != nil {
		return fmt.Errorf("runtime config: %w", err)
	}
	g.rt = rt
	return nil
}

// startMonitor serves health and metrics when --metrics is set. The returned
// stop function is always safe to call.
func (g *globals) startMonitor(svc *service.Service) (*monitoring.HealthMonitor, func()) {
	monitoring.Version = version
	hm := monitoring.NewHealthMonitor(svc)
	if g.metricsAddr == "" {
		return hm, func() {}
	}
	go func() {
		if err := hm.Start(g.metricsAddr); err != nil {
			logger.Log.Error("Health monitor failed", "addr", g.metricsAddr, "error", err)
		}
	}()
	return hm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hm.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Log.Warn("Health monitor shutdown", "error", err)
		}
	}
}
