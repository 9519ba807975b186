package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/vzahanych/firewatch/internal/camera"
	"github.com/vzahanych/firewatch/internal/camera/webcam"
	"github.com/vzahanych/firewatch/internal/capture"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/health"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/notify"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/upload"
	"github.com/vzahanych/firewatch/internal/video"
	"github.com/vzahanych/firewatch/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	bootLog, err := logger.New(logger.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfgSvc, err := config.NewService(configPath, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting firewatch",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"predict_endpoint", cfg.Predict.Endpoint,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateMgr, err := state.NewManager(cfg.DatabasePath(), log.Component("state"))
	if err != nil {
		log.Error("Failed to open state database", "error", err)
		os.Exit(1)
	}
	defer stateMgr.Close()

	if cfg.Capture.SessionEmail != "" {
		if err := stateMgr.SeedSessionEmail(ctx, cfg.Capture.SessionEmail); err != nil {
			log.Warn("Ignoring configured session email", "error", err)
		}
	}
	if recovered, err := stateMgr.RecoverState(ctx); err != nil {
		log.Warn("Failed to recover state", "error", err)
	} else {
		log.Info("State recovered",
			"predictions", recovered.Predictions,
			"fire_detected", recovered.FireDetected,
		)
	}

	m := metrics.New()
	predictClient := predict.NewClient(predict.ClientConfig{
		Endpoint: cfg.Predict.Endpoint,
		Timeout:  cfg.Predict.Timeout,
	}, log.Component("predict"))

	newSource, err := sourceFactory(cfg.Capture, log.Component("camera"))
	if err != nil {
		log.Error("Failed to configure capture source", "error", err)
		os.Exit(1)
	}

	display := mjpeg.NewStream()
	ctrl := capture.NewController(capture.Options{
		Config: capture.Config{
			RefreshRate: cfg.Capture.RefreshRate,
			SubmitEvery: cfg.Capture.SubmitEvery,
			MaxWidth:    cfg.Capture.MaxWidth,
		},
		Predictor: predictClient,
		Identity:  stateMgr,
		NewSource: newSource,
		Recorder:  stateMgr,
		Display:   display,
		Metrics:   m,
	}, log.Component("capture"))

	form := upload.NewForm(upload.Config{
		MaxSize:    cfg.Upload.MaxSize,
		PreviewTTL: cfg.Upload.PreviewTTL,
		PreviewDir: cfg.Upload.PreviewDir,
	}, predictClient, stateMgr, stateMgr, m, log.Component("upload"))

	discovery := camera.NewDiscoveryService(30*time.Second, cfg.Capture.DevicesDir, log.Component("camera"))

	webSrv := web.NewServer(&cfg.Web, log.Component("web"))
	webSrv.SetVersion(version)
	webSrv.SetUploadForm(form)
	webSrv.SetCapture(ctrl, display)
	webSrv.SetStateDependencies(stateMgr, stateMgr)
	webSrv.SetDeviceLister(discovery)
	webSrv.SetMetrics(m)

	svcMgr := service.NewManager(log)
	services := []service.Service{
		discovery,
		state.NewRetention(stateMgr, cfg.Firewatch.HistoryRetention),
		form,
		ctrl,
	}
	if cfg.Notify.MQTT.Enabled {
		services = append(services, notify.NewPublisher(notify.Config{
			Broker:   cfg.Notify.MQTT.Broker,
			Topic:    cfg.Notify.MQTT.Topic,
			ClientID: cfg.Notify.MQTT.ClientID,
			Username: cfg.Notify.MQTT.Username,
			Password: cfg.Notify.MQTT.Password,
		}, log.Component("notify")))
	}
	services = append(services, webSrv)
	for _, svc := range services {
		if err := svcMgr.Register(svc); err != nil {
			log.Error("Failed to register service", "error", err)
			os.Exit(1)
		}
	}

	healthMgr := health.NewManager(log.Component("health"), svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(cfg.DatabasePath()))
	healthMgr.RegisterChecker(health.NewPredictChecker(predictClient))
	healthMgr.RegisterChecker(health.NewCameraChecker(discovery))
	healthMgr.RegisterChecker(health.NewStorageChecker(cfg.Upload.PreviewDir))

	if err := healthMgr.Start(ctx, cfg.Health.Port); err != nil {
		log.Error("Failed to start health check server", "error", err)
		os.Exit(1)
	}

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		os.Exit(1)
	}

	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.Capture != newCfg.Capture || oldCfg.Predict != newCfg.Predict {
			log.Warn("Capture and prediction settings changed, restart to apply")
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
			}
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthMgr.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping health check server", "error", err)
	}

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

// sourceFactory returns the constructor for a fresh camera stream per session
func sourceFactory(cfg config.CaptureConfig, log *logger.Logger) (func() video.Source, error) {
	switch cfg.Source {
	case config.SourceFFmpeg:
		ffmpeg, err := video.NewFFmpegWrapper(log)
		if err != nil {
			return nil, err
		}
		return func() video.Source {
			return video.NewFFmpegSource(ffmpeg, video.FFmpegSourceConfig{
				Input:       cfg.Input,
				InputFormat: cfg.InputFormat,
			}, log)
		}, nil
	default:
		return func() video.Source {
			return webcam.New(webcam.Config{DeviceID: cfg.DeviceID}, log)
		}, nil
	}
}
