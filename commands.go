package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/nightscout-aps/internal/app"
	"github.com/mrcode/nightscout-aps/internal/aps"
	"github.com/mrcode/nightscout-aps/internal/autostart"
	"github.com/mrcode/nightscout-aps/internal/config"
	"github.com/mrcode/nightscout-aps/internal/constraints"
	"github.com/mrcode/nightscout-aps/internal/logging"
	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/nightscout"
	"github.com/mrcode/nightscout-aps/internal/store"
)

var (
	configPath string
	verbose    bool

	tempBasalOnly bool
	resultLimit   int

	ttLow, ttHigh float64
	ttDuration    time.Duration
	ttReason      string
	ttUpload      bool

	rootCmd = &cobra.Command{
		Use:           "nightscout-aps",
		Short:         "Closed loop dosing decisions from Nightscout data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the loop until interrupted",
		RunE:  withLoop(runLoop),
	}

	onceCmd = &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print the result",
		RunE:  withLoop(runOnce),
	}

	constraintsCmd = &cobra.Command{
		Use:   "constraints",
		Short: "Print the resolved limits and feature gates with their reasons",
		RunE:  withLoop(printConstraints),
	}

	nightModeCmd = &cobra.Command{
		Use:   "nightmode",
		Short: "Report whether night mode restricts dosing right now",
		RunE:  withLoop(printNightMode),
	}

	resultsCmd = &cobra.Command{
		Use:   "results",
		Short: "List recently published dosing results",
		RunE:  withLoop(printResults),
	}

	tempTargetCmd = &cobra.Command{
		Use:     "temptarget",
		Short:   "Manage temporary targets",
		Aliases: []string{"tt"},
	}

	tempTargetAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Start a temporary target now",
		RunE:  withLoop(addTempTarget),
	}

	tempTargetCancelCmd = &cobra.Command{
		Use:   "cancel",
		Short: "End the running temporary target",
		RunE:  withLoop(cancelTempTarget),
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check the Nightscout connection and show the latest reading",
		RunE:  withLoop(printStatus),
	}

	notifyTestCmd = &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test desktop notification",
		RunE:  withLoop(sendTestNotification),
	}

	autostartCmd = &cobra.Command{
		Use:       "autostart [enable|disable|status]",
		Short:     "Install the loop as a login service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"enable", "disable", "status"},
		RunE:      runAutostart,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	onceCmd.Flags().BoolVar(&tempBasalOnly, "temp-basal-only", false, "run without microboluses")
	resultsCmd.Flags().IntVarP(&resultLimit, "limit", "n", 10, "number of results")

	tempTargetAddCmd.Flags().Float64Var(&ttLow, "low", 0, "low target in mg/dL")
	tempTargetAddCmd.Flags().Float64Var(&ttHigh, "high", 0, "high target in mg/dL (defaults to --low)")
	tempTargetAddCmd.Flags().DurationVar(&ttDuration, "duration", time.Hour, "how long the target applies")
	tempTargetAddCmd.Flags().StringVar(&ttReason, "reason", "", "reason shown in the treatment log")
	tempTargetAddCmd.Flags().BoolVar(&ttUpload, "upload", false, "also upload the target to Nightscout")
	_ = tempTargetAddCmd.MarkFlagRequired("low")

	tempTargetCmd.AddCommand(tempTargetAddCmd, tempTargetCancelCmd)
	rootCmd.AddCommand(runCmd, onceCmd, constraintsCmd, nightModeCmd, resultsCmd, tempTargetCmd,
		statusCmd, notifyTestCmd, autostartCmd)
}

// withLoop wires the components before running fn and closes them after
func withLoop(fn func(context.Context, *cobra.Command, *loop) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger, err := logging.New(verbose)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		path, cfg, err := loadConfig(configPath, logger)
		if err != nil {
			return err
		}
		l, err := newLoop(path, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, cmd, l)
	}
}

func runLoop(ctx context.Context, _ *cobra.Command, l *loop) error {
	svc := app.New(l.plugin, l.syncTempTargets, serviceOptions(l.cfg), l.logger)
	watcher := config.NewWatcher(l.path, l.reload(svc), l.logger.Named("config"))
	if err := l.client.TestConnection(ctx); nightscout.IsUnauthorized(err) {
		return fmt.Errorf("nightscout rejected the configured credentials: %w", err)
	} else if err != nil {
		l.logger.Warn("nightscout unreachable, cycles will abort until it answers", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		// the loop keeps its startup config when the file cannot be watched
		if err := watcher.Run(ctx); err != nil {
			l.logger.Warn("config reload disabled", zap.Error(err))
		}
		return nil
	})
	if addr := l.cfg.Loop.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr, l.logger) })
	}

	l.logger.Info("loop started",
		zap.String("plugin", l.plugin.Name()),
		zap.Duration("interval", l.cfg.Loop.Interval),
		zap.Bool("enabled", l.cfg.Loop.Enabled))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

func runOnce(ctx context.Context, cmd *cobra.Command, l *loop) error {
	if err := l.plugin.Invoke(ctx, "Command line", tempBasalOnly); err != nil {
		return err
	}
	return printJSON(cmd, l.plugin.LastResult())
}

type constraintView struct {
	Value   any             `json:"value"`
	Reasons []models.Reason `json:"reasons,omitempty"`
}

func view[T any](v constraints.Value[T]) constraintView {
	return constraintView{Value: v.Value(), Reasons: v.Reasons()}
}

func printConstraints(ctx context.Context, cmd *cobra.Command, l *loop) error {
	profile, err := l.profiles.CurrentProfile(ctx)
	if err != nil {
		return err
	}
	if profile == nil {
		return aps.ErrMissingProfile
	}

	c := l.plugin.Checker(ctx)
	return printJSON(cmd, map[string]constraintView{
		"max_iob":            view(c.MaxIOBAllowed()),
		"max_basal":          view(c.MaxBasalAllowed(profile)),
		"smb":                view(c.IsSMBModeEnabled(constraints.New(true))),
		"uam":                view(c.IsUAMEnabled(constraints.New(true))),
		"advanced_filtering": view(c.IsAdvancedFilteringEnabled(constraints.New(true))),
		"autosens":           view(c.IsAutosensModeEnabled()),
		"dynamic_isf":        view(c.IsDynIsfModeEnabled(constraints.New(true))),
		"super_bolus":        view(c.IsSuperBolusEnabled()),
	})
}

func printNightMode(ctx context.Context, cmd *cobra.Command, l *loop) error {
	active := l.plugin.NightModeActive(ctx)
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "night mode active: %t\n", active)
	return err
}

func printResults(ctx context.Context, cmd *cobra.Command, l *loop) error {
	records, err := l.store.RecentResults(ctx, resultLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range records {
		if _, err := fmt.Fprintf(out, "%s  %-12s  %s\n",
			r.CreatedAt.Format(time.DateTime), r.Initiator, r.Result.Summary()); err != nil {
			return err
		}
	}
	return nil
}

func addTempTarget(ctx context.Context, cmd *cobra.Command, l *loop) error {
	high := ttHigh
	if high == 0 {
		high = ttLow
	}
	tt := models.TemporaryTarget{
		Timestamp:  time.Now(),
		Duration:   ttDuration,
		LowTarget:  ttLow,
		HighTarget: high,
		Reason:     ttReason,
	}
	id, err := l.store.Save(ctx, tt, store.SourceLocal)
	if err != nil {
		return err
	}
	tt.ID = id
	if ttUpload {
		if err := l.client.UploadTemporaryTarget(ctx, tt, enteredBy); err != nil {
			return fmt.Errorf("temp target %s saved locally: %w", id, err)
		}
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "temp target %s: %.0f-%.0f mg/dL for %s\n", id, tt.LowTarget, tt.HighTarget, ttDuration)
	return err
}

func cancelTempTarget(ctx context.Context, cmd *cobra.Command, l *loop) error {
	if err := l.store.Cancel(ctx, time.Now()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "temp target cancelled")
	return err
}

func printStatus(ctx context.Context, cmd *cobra.Command, l *loop) error {
	status, err := l.client.GetStatus(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "%s %s (%s)\n", status.Name, status.Version, status.Status); err != nil {
		return err
	}

	entry, err := l.client.GetCurrentEntry(ctx)
	if err != nil {
		return err
	}
	age := time.Since(entry.Time()).Round(time.Minute)
	_, err = fmt.Fprintf(out, "%d mg/dL (%.1f mmol/L) %s, %s ago\n", entry.SGV, entry.ValueMmolL(), entry.TrendArrow(), age)
	return err
}

func sendTestNotification(_ context.Context, cmd *cobra.Command, l *loop) error {
	if err := l.notify.SendTestNotification(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "test notification sent")
	return err
}

func runAutostart(cmd *cobra.Command, args []string) error {
	installer, err := autostart.New()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch args[0] {
	case "enable":
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}
		if err := installer.Enable(autostart.Launch{Executable: exe, Args: []string{"run", "--config", path}}); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "autostart enabled")
		return err
	case "disable":
		if err := installer.Disable(); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "autostart disabled")
		return err
	case "status":
		enabled, err := installer.IsEnabled()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "autostart enabled: %t\n", enabled)
		return err
	default:
		return fmt.Errorf("unknown action %q", args[0])
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
