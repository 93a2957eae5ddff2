// Package daemon implements the daemon lifecycle manager: configuration
// load, logging/metrics bring-up, task manager assembly, the UDS control
// channel, and signal-driven graceful shutdown/reload (ported from the
// teacher's Daemon).
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/streamrt/internal/command"
	"firestige.xyz/streamrt/internal/config"
	"firestige.xyz/streamrt/internal/eventbus"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/metrics"
	"firestige.xyz/streamrt/internal/pipeline"
	"firestige.xyz/streamrt/internal/recovery"
	"firestige.xyz/streamrt/internal/task"
)

// eventBusPartitions/eventBusQueueSize size the in-process
// ProtocolEventBus every daemon starts to carry determinant request/
// response traffic between its own tasks (§4.6).
const (
	eventBusPartitions = 4
	eventBusQueueSize  = 256
)

// Daemon owns the process lifecycle: it loads configuration, starts the
// metrics and control-plane servers, assembles every configured task, and
// blocks until a shutdown signal or command arrives.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	jobsPath   string
	socketPath string
	pidFile    string

	taskManager *task.Manager
	eventBus    *eventbus.ProtocolEventBus
	cmdHandler  *command.CommandHandler
	udsServer   *command.UDSServer
	metricsSrv  *metrics.Server

	reporters map[string]context.CancelFunc

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configPath and returns an unstarted Daemon.
func New(configPath, jobsPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		jobsPath:     jobsPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		reporters:    make(map[string]context.CancelFunc),
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes logging, metrics, the task manager, every configured
// job, and the UDS control channel.
func (d *Daemon) Start() error {
	log.Init(log.Config{Level: d.config.Log.Level, Pattern: "%time [%level] %msg", Time: "2006-01-02T15:04:05.000Z07:00"})
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"node":   d.config.Node.ID,
		"config": d.configPath,
		"socket": d.socketPath,
	}).Info("starting daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(d.config.Metrics.Listen, "/metrics")
		go func() {
			if err := d.metricsSrv.Start(d.ctx); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	d.eventBus = eventbus.NewProtocolEventBus(eventbus.NewInMemoryEventBus(eventBusPartitions, eventBusQueueSize))
	pb := newProtocolBroadcaster(d.eventBus)
	broadcaster := recovery.NewConcBroadcaster(pb.send)
	d.taskManager = task.NewManager(broadcaster)
	if err := pb.start(d.taskManager); err != nil {
		return fmt.Errorf("daemon: wire determinant event bus: %w", err)
	}

	jobs, err := config.LoadJobs(d.jobsPath)
	if err != nil {
		return fmt.Errorf("daemon: load jobs: %w", err)
	}
	for _, jc := range jobs {
		if err := d.taskManager.Create(jc); err != nil {
			logger.WithError(err).WithField("job", jc.ID).Error("failed to start job, skipping")
			continue
		}
		d.startReporter(jc.ID)
	}

	d.cmdHandler = command.NewCommandHandler(d.taskManager)
	d.cmdHandler.SetReloader(d)
	d.cmdHandler.SetShutdownFunc(func() {
		logger.Info("shutdown triggered via daemon_shutdown command")
		close(d.shutdownChan)
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("uds server failed")
		}
	}()

	logger.Info("daemon started successfully")
	return nil
}

func (d *Daemon) startReporter(taskID string) {
	t, err := d.taskManager.Get(taskID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.reporters[taskID] = cancel
	reporter := pipeline.NewReporter(t, time.Second)
	go reporter.Run(ctx)
}

// Stop performs graceful shutdown of every daemon component.
func (d *Daemon) Stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	for _, cancel := range d.reporters {
		cancel()
	}

	if d.taskManager != nil {
		logger.Info("stopping all tasks")
		d.taskManager.StopAll()
	}

	if d.udsServer != nil {
		logger.Info("stopping uds server")
		d.udsServer.Stop()
	}

	if d.eventBus != nil {
		if err := d.eventBus.Close(); err != nil {
			logger.WithError(err).Error("error closing event bus")
		}
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsSrv.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing pid file")
	}

	logger.Info("daemon stopped gracefully")
}

// Run blocks the calling goroutine until a shutdown signal (SIGTERM,
// SIGINT), a SIGHUP reload, or a daemon_shutdown command arrives.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}
		case <-d.shutdownChan:
			logger.Info("shutdown triggered by command")
			d.Stop()
			return nil
		case <-d.ctx.Done():
			logger.WithError(d.ctx.Err()).Info("context cancelled")
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the global config. Only log level is hot-reloaded; node
// identity, control-plane socket, and job definitions require a restart.
func (d *Daemon) Reload() error {
	logger := log.GetLogger()
	logger.WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("daemon: reload: %w", err)
	}

	oldLevel := d.config.Log.Level
	oldNodeID := d.config.Node.ID
	d.config = newConfig
	if newConfig.Log.Level != oldLevel {
		log.Init(log.Config{Level: newConfig.Log.Level})
		logger.WithField("level", newConfig.Log.Level).Info("log level hot-reloaded")
	}

	if newConfig.Node.ID != oldNodeID {
		logger.Warn("node.id changed in config; this requires a daemon restart to take effect")
	}

	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	err := os.Remove(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
