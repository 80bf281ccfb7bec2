// Package daemon implements the camrelay process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/camrelay/internal/command"
	"firestige.xyz/camrelay/internal/config"
	"firestige.xyz/camrelay/internal/eventbus"
	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
	"firestige.xyz/camrelay/internal/relay"
)

// Options configure a Daemon.
type Options struct {
	ConfigPath string // empty uses the compiled-in defaults
	Host       string // overrides transport.host when set
	Port       int    // overrides transport.port when non-zero
	Version    string
	Deps       relay.Deps
}

// Daemon owns every component of a running relay process.
type Daemon struct {
	opts Options

	mu     sync.Mutex
	config *config.Config

	// Core components
	loop          *eventloop.Loop
	relay         *relay.Relay
	bus           eventbus.EventBus       // nil if events disabled
	exporter      *eventbus.KafkaExporter // nil without brokers
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration and creates a Daemon.
func New(opts Options) (*Daemon, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		opts:         opts,
		config:       cfg,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// load reads the configuration file and applies the command line peer.
func (o Options) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Host == "" && o.Port == 0 {
		return cfg, nil
	}
	if o.Host != "" {
		cfg.Transport.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Transport.Port = o.Port
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns the current configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Relay returns the relay session, nil before Start.
func (d *Daemon) Relay() *relay.Relay { return d.relay }

// Start brings up logging, the PID file, metrics, the event bus and the
// control socket, and creates the relay. The relay runs in Run.
func (d *Daemon) Start() error {
	cfg := d.Config()

	// 1. Initialize logging system
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"version": d.opts.Version,
		"config":  d.opts.ConfigPath,
		"device":  cfg.Device.Path,
		"mode":    cfg.Transport.Mode,
		"peer":    cfg.Transport.Address(),
	}).Info("starting camrelay")

	// 2. Write PID file
	if err := WritePIDFile(cfg.Control.PIDFile); err != nil {
		return err
	}

	// 3. Start metrics server
	if err := d.startMetrics(cfg.Metrics); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Event bus and export
	d.startEvents(cfg.Events)

	// 5. Relay session
	deps := d.opts.Deps
	if d.bus != nil {
		deps.Events = d.bus
	}
	d.loop = eventloop.New()
	d.relay = relay.New(d.loop, relay.OptionsFromConfig(cfg), deps)

	// 6. Control socket
	d.cmdHandler = command.NewCommandHandler(d.relay, d)
	d.cmdHandler.SetShutdownFunc(func() {
		log.GetLogger().Info("shutdown triggered via relay_shutdown command")
		d.TriggerShutdown()
	})
	if d.opts.Version != "" {
		d.cmdHandler.SetVersion(d.opts.Version)
	}
	if d.bus != nil {
		d.cmdHandler.SetEventStats(d.bus.GetStats)
	}
	if cfg.Control.Socket != "" {
		d.udsServer = command.NewUDSServer(cfg.Control.Socket, d.cmdHandler)
		if err := d.udsServer.Listen(); err != nil {
			d.udsServer = nil
			d.Stop()
			return err
		}
		go func() {
			if err := d.udsServer.Serve(d.ctx); err != nil {
				log.GetLogger().WithError(err).Error("control socket failed")
			}
		}()
	}

	return nil
}

// Run serves the relay until it ends on its own or shutdown is requested by
// SIGINT, SIGTERM or relay_shutdown. SIGHUP reloads the configuration. Run
// returns the error that ended the session, including a failed start.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer d.Stop()

	runCtx, cancelRun := context.WithCancel(d.ctx)
	defer cancelRun()

	grace := d.Config().ShutdownTimeoutDuration()
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Serve(runCtx, d.loop, d.relay, grace) }()

	for {
		select {
		case err := <-relayDone:
			return d.relayEnded(err)

		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				cancelRun()
				return d.relayEnded(<-relayDone)
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			log.GetLogger().Info("shutdown triggered by command")
			cancelRun()
			return d.relayEnded(<-relayDone)
		}
	}
}

func (d *Daemon) relayEnded(err error) error {
	if err != nil {
		log.GetLogger().WithError(err).Error("relay session ended")
		return err
	}
	log.GetLogger().Info("relay session ended")
	return nil
}

// TriggerShutdown requests a graceful shutdown of Run.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Reload re-reads the configuration file. Logging is applied immediately;
// device, transport and listener changes take effect on restart.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	log.GetLogger().WithField("path", d.opts.ConfigPath).Info("reloading configuration")

	newConfig, err := d.opts.load()
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := log.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	d.mu.Lock()
	old := d.config
	d.config = newConfig
	d.mu.Unlock()

	requiresRestart := []string{}
	if newConfig.Device != old.Device {
		requiresRestart = append(requiresRestart, "device")
	}
	if newConfig.Transport != old.Transport {
		requiresRestart = append(requiresRestart, "transport")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"level":            newConfig.Log.Level,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// Stop releases everything Start acquired. The relay itself is stopped by
// Run; Stop is idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Control socket (no new commands)
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 2. Drain lifecycle events, then the exporter
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			logger.WithError(err).Warn("error closing event bus")
		}
	}
	if d.exporter != nil {
		if err := d.exporter.Close(); err != nil {
			logger.WithError(err).Warn("error closing kafka exporter")
		}
	}

	// 3. Metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("error stopping metrics server")
		}
		cancel()
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := RemovePIDFile(d.Config().Control.PIDFile); err != nil {
		logger.WithError(err).Warn("error removing PID file")
	}

	logger.Info("camrelay stopped")
	log.Flush()
}

func (d *Daemon) startMetrics(cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		return nil
	}
	d.metricsServer = metrics.NewServer(cfg.Listen, cfg.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	log.GetLogger().WithField("addr", d.metricsServer.Addr().String()).Info("metrics server started")
	return nil
}

// startEvents creates the lifecycle bus. A Kafka exporter that cannot be
// created is logged and skipped.
func (d *Daemon) startEvents(cfg config.EventsConfig) {
	if !cfg.Enabled {
		return
	}
	d.bus = eventbus.NewInMemoryEventBus(cfg.Partitions, cfg.QueueSize)
	if len(cfg.Kafka.Brokers) == 0 {
		return
	}

	exporter, err := eventbus.NewKafkaExporter(cfg.Kafka)
	if err != nil {
		log.GetLogger().WithError(err).Warn("kafka event export disabled")
		return
	}
	if err := exporter.Attach(d.bus); err != nil {
		log.GetLogger().WithError(err).Warn("kafka event export disabled")
		exporter.Close()
		return
	}
	d.exporter = exporter
	log.GetLogger().WithFields(map[string]interface{}{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
	}).Info("exporting lifecycle events to kafka")
}
