package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/calllog"
	"github.com/arzzra/callctl/pkg/config"
	"github.com/arzzra/callctl/pkg/logging"
	"github.com/arzzra/callctl/pkg/sipua"
	"github.com/arzzra/callctl/pkg/timer"
	"github.com/arzzra/callctl/pkg/tone"
)

var runDtmfMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the SIP stack and the interactive call console",
	Args:  cobra.NoArgs,
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDtmfMode, "dtmf", "rfc2833", "DTMF mode: inband, rfc2833 or info")
}

func parseDtmfMode(s string) (callctl.DtmfMode, error) {
	for _, m := range []callctl.DtmfMode{callctl.DtmfInband, callctl.DtmfRFC2833, callctl.DtmfInfo} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown DTMF mode %q", s)
}

func runEngine(cmd *cobra.Command, args []string) error {
	mode, err := parseDtmfMode(runDtmfMode)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	loggers := logging.New(cfg.Logging())
	defer loggers.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := callctl.NewDispatcher(256)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			loggers.Core.WithError(err).Error("dispatcher stopped")
		}
	}()
	defer disp.Close()

	timers := timer.NewManager(ctx, timer.DefaultConfig())
	defer timers.Shutdown()

	player, err := tone.NewPlayer(cfg.TonePeer(), tone.WithLogger(loggers.Media))
	if err != nil {
		return err
	}
	defer player.Close()

	history, err := openHistory(cfg, loggers.CallLog)
	if err != nil {
		return err
	}

	var metrics *callctl.Metrics
	if cfg.MetricsEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mc := callctl.DefaultMetricsConfig()
		mc.Registerer = reg
		metrics = callctl.NewMetrics(mc)

		srv := serveMetrics(cfg.MetricsListen(), reg, loggers.Core)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stack := sipua.NewStack(cfg,
		sipua.WithExecutor(disp),
		sipua.WithLogger(loggers.SIP),
		sipua.WithDTMF(player),
	)

	m := callctl.NewManager(
		callctl.WithVoipProxy(stack),
		callctl.WithMediaProxy(player),
		callctl.WithCallLogger(history),
		callctl.WithConfigurator(cfg),
		callctl.WithTimerFactory(timers),
		callctl.WithExecutor(disp),
		callctl.WithLogger(loggers.Core),
		callctl.WithMetrics(metrics),
		callctl.WithMaxCalls(cfg.MaxCalls()),
	)

	out := cmd.OutOrStdout()
	var initErr error
	if err := disp.Do(ctx, func() {
		m.OnCallStateRefresh(func(session int) {
			if sm := m.Call(session); sm != nil {
				fmt.Fprintf(out, "\n[session %d] %s %s\n", session, sm.StateName(), sm.CallingNumber())
				return
			}
			fmt.Fprintf(out, "\n[session %d] released\n", session)
		})
		m.OnIncomingCallNotification(func(session int, number, info string) {
			fmt.Fprintf(out, "\n[session %d] incoming call from %s %s\n", session, number, info)
		})
		initErr = m.Initialize(ctx)
	}); err != nil {
		return err
	}
	if initErr != nil {
		return initErr
	}
	fmt.Fprintf(out, "listening on %s, type help for commands\n", stack.Addr())

	con := &console{
		m:          m,
		cfg:        cfg,
		run:        disp,
		out:        out,
		configPath: configPath,
		dtmfMode:   mode,
	}
	done := make(chan error, 1)
	go func() { done <- con.serve(ctx, cmd.InOrStdin()) }()

	select {
	case err = <-done:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var shutdownErr error
	if doErr := disp.Do(shutdownCtx, func() { shutdownErr = m.Shutdown() }); doErr != nil {
		// Очередь уже остановлена отменой контекста, поток ядра свободен.
		shutdownErr = m.Shutdown()
	}
	if saveErr := history.Save(); saveErr != nil {
		loggers.CallLog.WithError(saveErr).Warn("call log save failed")
	}
	return errors.Join(err, shutdownErr)
}

func openHistory(cfg *config.Config, log *logrus.Entry) (*calllog.Log, error) {
	opts := []calllog.Option{calllog.WithMaxRecords(cfg.CallLogMax()), calllog.WithLogger(log)}
	if cfg.CallLogPath() == "" {
		return calllog.New("", opts...), nil
	}
	return calllog.Open(cfg.CallLogPath(), opts...)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithField("listen", addr).Info("metrics endpoint started")
	return srv
}
