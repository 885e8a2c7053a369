package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/blackstartd/internal/adapter/actor"
	"github.com/berfenger/blackstartd/internal/adapter/emulated"
	"github.com/berfenger/blackstartd/internal/adapter/history"
	"github.com/berfenger/blackstartd/internal/adapter/modbus"
	"github.com/berfenger/blackstartd/internal/adapter/recorder"
	"github.com/berfenger/blackstartd/internal/config"
	"github.com/berfenger/blackstartd/internal/core/actor"
	"github.com/berfenger/blackstartd/internal/core/port"
	"github.com/berfenger/blackstartd/internal/core/service"
	"github.com/berfenger/blackstartd/internal/observability"
	"github.com/berfenger/blackstartd/internal/server"
	"github.com/berfenger/blackstartd/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const orchestratorTimeout = 10 * time.Second

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	slog.Info("Using", "config", cfg.Redacted())

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	metrics := observability.NewMetrics()
	stream := &eventstream.EventStream{}

	// hardware
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	hardware, simulator, closeHardware, err := buildHardware(runCtx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("hardware init failed", zap.Error(err))
	}
	defer closeHardware()

	// event history
	sinks := []recorder.Sink{{Name: "stream", Recorder: recorder.NewStreamPublisher(stream)}}
	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path, logger)
		if err != nil {
			logger.Fatal("history init failed", zap.Error(err))
		}
		defer store.Close()
		sinks = append(sinks, recorder.Sink{Name: "history", Recorder: store})

		retention, err := store.StartRetention(
			time.Duration(cfg.History.RetentionDays)*24*time.Hour,
			time.Duration(max(cfg.History.PruneIntervalMinutes, 1))*time.Minute,
		)
		if err != nil {
			logger.Fatal("history retention init failed", zap.Error(err))
		}
		defer retention.Stop()
	}
	events := recorder.NewComposite(metrics, logger, sinks...)

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)

	opts := actor.OrchestratorOptions{
		Hardware: func(siteId string) (port.SiteHardware, error) {
			hw, ok := hardware[siteId]
			if !ok {
				return port.SiteHardware{}, fmt.Errorf("no hardware for site %s", siteId)
			}
			hw.Recorder = events
			return hw, nil
		},
		Timings:     cfg.Timing.Timings(),
		Metrics:     metrics,
		EventStream: stream,
	}
	if cfg.MQTT.Enable {
		opts.MQTT = mqttActorProvider(cfg, logger)
		if cfg.MQTT.HADiscoveryEnable {
			opts.HADiscovery = &actor.HADiscoveryOptions{
				BaseTopic: cfg.MQTT.BaseTopic,
				Version:   versioninfo.Short(),
			}
		}
	}

	orchestrator, err := actor.SpawnOrchestrator(as, opts, orchestratorTimeout, logger)
	if err != nil {
		logger.Fatal("orchestrator spawn failed", zap.Error(err))
	}

	for _, site := range cfg.Sites {
		ctx, cancel := context.WithTimeout(context.Background(), orchestratorTimeout)
		err := orchestrator.Initialize(ctx, site.BlackStartConfig())
		cancel()
		if err != nil {
			logger.Fatal("site init failed", zap.String("site", site.Id), zap.Error(err))
		}
		logger.Info("site initialized", zap.String("site", site.Id))
	}

	serverOpts := []server.Option{
		server.WithMetrics(metrics.Handler()),
		server.WithRequestTimeout(orchestratorTimeout),
		server.WithEventStream(stream),
	}
	if store != nil {
		serverOpts = append(serverOpts, server.WithHistory(store))
	}
	if simulator != nil {
		serverOpts = append(serverOpts, server.WithGridSimulator(simulator))
	}
	apiServer := server.NewServer(*cfg, orchestrator, logger, serverOpts...)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(apiServer, done)

	err = apiServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	if err := orchestrator.Shutdown(); err != nil {
		logger.Error("orchestrator shutdown", zap.Error(err))
	}
	as.Shutdown()
}

// buildHardware wires every configured site either to the emulator or to its
// modbus site controller.
func buildHardware(ctx context.Context, cfg *config.Config, metrics *observability.Metrics,
	logger *zap.Logger) (map[string]port.SiteHardware, server.GridSimulator, func(), error) {
	hardware := make(map[string]port.SiteHardware, len(cfg.Sites))

	if cfg.Simulate {
		emulator := emulated.NewEmulator()
		for _, site := range cfg.Sites {
			soc := site.InitialSoc
			if soc == 0 {
				soc = 100
			}
			emulator.AddSite(site.SiteAsset(), site.BlackStartConfig().CriticalLoads, soc)
			hardware[site.Id] = port.SiteHardware{
				Probe:      emulator,
				Dispatcher: emulator,
				Telemetry:  emulator,
				Assets:     emulator,
			}
		}
		go emulator.Run(ctx, time.Second)
		simulator := func(siteId string, available bool) error {
			site, err := emulator.Site(siteId)
			if err != nil {
				return err
			}
			site.SetGridAvailable(available)
			return nil
		}
		logger.Warn("running against emulated sites")
		return hardware, simulator, func() {}, nil
	}

	gateway := modbus.NewGateway(service.NewOutageTracker(service.OUTAGE_COUNTER_WINDOW), logger,
		modbus.Instrument{RecordTime: metrics.HardwareCall})
	assets := config.NewStaticAssets(*cfg)
	for _, site := range cfg.Sites {
		if err := gateway.AddSite(site.ModbusEndpoint(), site.SiteAsset()); err != nil {
			gateway.Close()
			return nil, nil, nil, err
		}
		hardware[site.Id] = port.SiteHardware{
			Probe:      gateway,
			Dispatcher: gateway,
			Telemetry:  gateway,
			Assets:     assets,
		}
	}
	return hardware, nil, gateway.Close, nil
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(stream *eventstream.EventStream) pactor.Actor {
		return adactor.NewMQTTActor(cfg, stream, logger)
	}
}

func initConfig() (*config.Config, error) {

	// alias PORT => BLACKSTART_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("BLACKSTART_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("blackstart")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("port", 8080)
	viper.SetDefault("simulate", false)
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "blackstart")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("history.retention_days", 365)
	viper.SetDefault("history.prune_interval_minutes", 60)
	viper.SetDefault("timing.poll_interval_millis", 100)
	viper.SetDefault("timing.load_settle_millis", 500)
	viper.SetDefault("timing.reconnect_settle_millis", 100)
	viper.SetDefault("timing.restore_load_millis", 200)
	viper.SetDefault("timing.restore_settle_millis", 5000)
	viper.SetDefault("timing.status_broadcast_millis", 5000)
	viper.SetDefault("timing.command_timeout_millis", 2000)
}
