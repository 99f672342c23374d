package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/qasync/internal/agent"
	"github.com/MarcoPoloResearchLab/qasync/internal/config"
	"github.com/MarcoPoloResearchLab/qasync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/qasync/internal/inbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newAgentCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the client agent: local API, inbox, sync and retention sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("listen-address", defaults.GetString("agent.listen_address"), "Local agent API listen address")
	flags.String("inbox-dir", defaults.GetString("agent.inbox_dir"), "Directory watched for capture files")
	flags.String("quota-mode", defaults.GetString("quota.mode"), "Storage probe mode (budget, disk)")
	flags.Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between background sync rounds")

	bindFlag(flags, "agent.listen_address", "listen-address")
	bindFlag(flags, "agent.inbox_dir", "inbox-dir")
	bindFlag(flags, "quota.mode", "quota-mode")
	bindFlag(flags, "sync.interval_seconds", "sync-interval-seconds")
	return cmd
}

func runAgent(ctx context.Context) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := newClientRuntime(signalCtx, agentConfig, logger)
	if err != nil {
		return err
	}
	defer runtime.Close() //nolint:errcheck

	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Checker:  runtime.health,
		Listener: runtime.engine,
		Interval: agentConfig.ProbeInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	watcher, err := inbox.NewWatcher(inbox.Config{
		Dir:    agentConfig.InboxDir,
		Saver:  runtime.cache,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := agent.NewHTTPHandler(agent.APIDependencies{
		Agent:  runtime.agent,
		Events: runtime.bus,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	defer workers.Wait()
	workerCtx, cancelWorkers := context.WithCancel(signalCtx)
	defer cancelWorkers()

	workers.Add(3)
	go func() {
		defer workers.Done()
		monitor.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		runtime.agent.RunSweeps(workerCtx)
	}()
	go func() {
		defer workers.Done()
		if err := watcher.Run(workerCtx); err != nil {
			logger.Error("inbox stopped", zap.Error(err))
		}
	}()

	runtime.agent.Sweep(signalCtx)
	startBackgroundSync(signalCtx, runtime.engine, agentConfig.RemoteToken, logger)

	httpServer := &http.Server{
		Addr:    agentConfig.ListenAddress,
		Handler: handler,
	}
	return serveUntilDone(signalCtx, httpServer, logger)
}

// scheduler is the part of the sync engine the agent starts at boot.
type scheduler interface {
	Start(ctx context.Context)
}

// startBackgroundSync resumes scheduled sync from the persisted watermark and retry state.
// Clearing either is left to an explicit user_authenticated command.
func startBackgroundSync(ctx context.Context, engine scheduler, remoteToken string, logger *zap.Logger) bool {
	if remoteToken == "" {
		logger.Warn("remote token not configured; background sync disabled until a user_authenticated command")
		return false
	}
	engine.Start(ctx)
	return true
}
