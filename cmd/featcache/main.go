// Command featcache inspects and moves precomputed feature caches.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/featcache"
	asynchook "github.com/unkn0wn-root/featcache/hooks/async"
	otelhooks "github.com/unkn0wn-root/featcache/hooks/otel"
	"github.com/unkn0wn-root/featcache/keyer"
	fczap "github.com/unkn0wn-root/featcache/log/zap"
	"github.com/unkn0wn-root/featcache/sloghooks"
)

const (
	appName  = "featcache"
	envLevel = "FEATCACHE_LOG_LEVEL"
)

func main() {
	ctx := context.Background()
	stop := featcache.NotifyShutdown(ctx)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	cfg   Config
	zl    *zap.Logger
	log   featcache.Logger
	hooks featcache.Hooks
	async *asynchook.Hooks
	mp    *sdkmetric.MeterProvider
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Inspect, convert and publish precomputed feature caches",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (env "+envLevel+")")
	root.PersistentFlags().Bool("trace-hooks", false, "report cache events through slog on stderr")
	root.PersistentFlags().Bool("metrics", false, "dump cache counters to stderr on exit")

	root.AddCommand(
		newInfoCmd(a),
		newGetCmd(a),
		newConvertCmd(a),
		newStateCmd(a),
		newKeysCmd(a),
		newPushCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	zl, err := newZap(flagOrEnv(cmd, "log-level", envLevel, cfg.LogLevel))
	if err != nil {
		return err
	}
	a.zl = zl
	a.log = fczap.New(zl)

	var hooks featcache.MultiHooks
	if trace, _ := cmd.Flags().GetBool("trace-hooks"); trace {
		sl := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
		a.async = asynchook.New(sloghooks.New(sl, sloghooks.Options{}), 1, 256)
		hooks = append(hooks, a.async)
	}
	if metrics, _ := cmd.Flags().GetBool("metrics"); metrics {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		a.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		oh, err := otelhooks.New(a.mp.Meter(appName))
		if err != nil {
			return err
		}
		hooks = append(hooks, oh)
	}
	a.hooks = featcache.NopHooks{}
	if len(hooks) > 0 {
		a.hooks = hooks
	}
	return nil
}

func (a *app) teardown(ctx context.Context) {
	if a.async != nil {
		a.async.Close()
	}
	if a.mp != nil {
		if err := a.mp.Shutdown(ctx); err != nil {
			a.log.Warn("flush metrics", featcache.Fields{"err": err})
		}
	}
	if a.zl != nil {
		_ = a.zl.Sync()
	}
}

// keyer resolves name, falling back to the configured strategy.
func (a *app) keyer(name string) (*keyer.Keyer, error) {
	if name == "" {
		name = a.cfg.Keyer
	}
	return keyer.New(name)
}
