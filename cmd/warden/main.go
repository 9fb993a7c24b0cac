// Warden polls security detection sources, deduplicates detections by
// fingerprint and runs ordered playbooks that enrich, ticket and
// notify.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"

	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/cycle"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/integrations"
	"github.com/linnemanlabs/warden/internal/normalize"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

const appName = "warden"
const component = "cli"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// runtime flags follow the go-core pattern: each package registers
	// its own options on a stdlib FlagSet, which is then bridged into
	// cobra below
	var (
		logCfg   log.Config
		opsCfg   opshttp.Config
		profCfg  prof.Config
		traceCfg otelx.Config
	)
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	logCfg.RegisterFlags(fs)
	opsCfg.RegisterFlags(fs)
	profCfg.RegisterFlags(fs)
	traceCfg.RegisterFlags(fs)

	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Security detection triage and playbook automation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// env vars with prefix WARDEN_ fill flags not set on the
			// command line
			cfg.FillFromEnv(fs, "WARDEN_", func(format string, args ...any) {
				fmt.Fprintf(os.Stderr, format+"\n", args...)
			})
		},
	}
	root.PersistentFlags().AddGoFlagSet(fs)
	root.PersistentFlags().StringVar(&configPath, "config", wc.DefaultConfigFile, "path to the orchestration configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Execute exactly one triage cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), configPath, &logCfg, &opsCfg, &profCfg, &traceCfg, false)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run triage cycles on a fixed interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), configPath, &logCfg, &opsCfg, &profCfg, &traceCfg, true)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf(
				"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
				vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
				vi.VCSDirty != nil && *vi.VCSDirty,
			)
		},
	})

	return root.ExecuteContext(ctx)
}

// execute wires the full pipeline and either runs one cycle or the
// daemon loop. A run-once invocation exits zero even when individual
// detections failed; only startup and configuration errors are fatal.
func execute(ctx context.Context, configPath string, logCfg *log.Config, opsCfg *opshttp.Config, profCfg *prof.Config, traceCfg *otelx.Config, daemon bool) error {
	vi := v.Get()

	if err := errors.Join(
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"config", configPath,
		"daemon", daemon,
	)

	// profiling first so the whole lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed")
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)

	conf, err := wc.Load(configPath)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cache := fpcache.New(conf.CacheOptions())
	if err := cache.Load(ctx, L); err != nil {
		return fmt.Errorf("fingerprint cache load: %w", err)
	}

	registry := integration.NewRegistry()
	normalizer := normalize.New(lg)
	if err := integrations.RegisterAll(ctx, registry, normalizer, conf.Descriptors(), lg); err != nil {
		return fmt.Errorf("integration setup: %w", err)
	}

	pm := cycle.NewMetrics(m.Registry())
	dispatcher := enrich.New(registry, lg, enrich.DefaultTimeout, pm.EnrichHooks())
	executor := ticketing.New(registry, cache, conf.TicketingDefaults(), lg, pm.TicketingHooks())
	sink := notify.New(registry, lg, pm.NotifyHooks())

	pbs, err := conf.BuildPlaybooks()
	if err != nil {
		return err
	}
	engine, err := playbook.NewEngine(pbs, dispatcher, executor, sink, lg, pm.EngineHooks())
	if err != nil {
		return err
	}
	runner := cycle.NewRunner(registry, normalizer, cache, engine, executor, lg, pm.Hooks())
	if daemon {
		// a cycle never outlives its tick
		runner.CycleTimeout = conf.DaemonInterval()
	}

	L.Info(ctx, "pipeline ready",
		"integrations", len(conf.Integrations),
		"playbooks", len(engine.Playbooks()),
		"cache_entries", cache.Len(),
	)

	if !daemon {
		_, err := runner.Run(ctx)
		return err
	}

	// daemon mode gets the ops listener for metrics and health probes
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		return fmt.Errorf("ops http listener: %w", err)
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "ops http listener shutdown")
		}
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	runner.Loop(ctx, conf.DaemonInterval())

	shutdownGate.Set("draining")
	if err := cache.Flush(context.Background()); err != nil {
		L.Warn(context.Background(), "final cache flush failed", "error", err)
	}
	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
