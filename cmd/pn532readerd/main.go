// Command pn532readerd is the long-running daemon: it owns the PN532
// over its serial HSU connection, runs the tag-lifecycle reader loop,
// and fans out tag events to an MQTT broker, a local SQLite audit
// trail, and a status HTTP+WebSocket API, while a watchdog keeps the
// controller healthy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"go.uber.org/zap"

	"github.com/nfcbridge/pn532reader/internal/api"
	"github.com/nfcbridge/pn532reader/internal/audit"
	"github.com/nfcbridge/pn532reader/internal/config"
	"github.com/nfcbridge/pn532reader/internal/events"
	applog "github.com/nfcbridge/pn532reader/internal/logger"
	"github.com/nfcbridge/pn532reader/internal/publish"
	"github.com/nfcbridge/pn532reader/internal/watchdog"
	"github.com/nfcbridge/pn532reader/pkg/pn532"
	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

var configPath = flag.String("config", "", "path to config.yaml (defaults searched if empty)")

func main() {
	flag.Parse()

	watcher, cfg, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := applog.Init(applog.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     cfg.Logger.LogDir,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := applog.Get()
	defer applog.Sync()

	log.Info("pn532readerd starting", zap.String("serial_port", cfg.Serial.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := rpio.Open(); err != nil {
		log.Fatal("failed to open GPIO memory map", zap.Error(err))
	}
	defer rpio.Close()

	uart, err := pn532.OpenSerialUART(pn532.SerialPortConfig{Port: cfg.Serial.Port})
	if err != nil {
		log.Fatal("failed to open serial port", zap.String("port", cfg.Serial.Port), zap.Error(err))
	}

	reset := pn532.OpenRPIOResetPin(cfg.Serial.ResetPinBCM)

	ctrl := pn532.NewController(uart, reset, pn532.Config{
		DetectionTimeout:         cfg.Timeouts.Detection,
		PresenceCheckInterval:    cfg.Timeouts.PresenceCheckInterval,
		PresenceCheckTimeout:     cfg.Timeouts.PresenceCheckTimeout,
		DefaultTransceiveTimeout: cfg.Timeouts.DefaultTransceive,
	})

	if err := ctrl.Init(ctx); err != nil {
		log.Fatal("controller init failed", zap.Error(err))
	}
	if fw := ctrl.Firmware(); fw != nil {
		log.Info("PN532 firmware",
			zap.Uint8("ic", fw.IC), zap.Uint8("ver", fw.Ver), zap.Uint8("rev", fw.Rev), zap.Uint8("support", fw.Support))
	}

	if err := watcher.Watch(func(t config.TimeoutConfig) {
		log.Info("reloaded timeout config", zap.Duration("detection", t.Detection))
		ctrl.UpdateTimeouts(pn532.Config{
			DetectionTimeout:         t.Detection,
			PresenceCheckInterval:    t.PresenceCheckInterval,
			PresenceCheckTimeout:     t.PresenceCheckTimeout,
			DefaultTransceiveTimeout: t.DefaultTransceive,
		})
	}); err != nil {
		log.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	rd := reader.New(ctrl, reader.WithLogger(log),
		reader.WithTimeouts(cfg.Timeouts.Detection, cfg.Timeouts.PresenceCheckInterval, cfg.Timeouts.PresenceCheckTimeout))
	rd.Start(ctx)

	bus := events.New(rd)
	go bus.Run(ctx)

	var auditLog *audit.Log
	if cfg.Audit.Path != "" {
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Warn("audit log disabled: failed to open database", zap.Error(err))
		} else {
			defer auditLog.Close()
			auditEvents, cancelAudit := bus.Subscribe(32)
			defer cancelAudit()
			go auditLog.Run(ctx, auditEvents, func(err error) {
				log.Error("audit write failed", zap.Error(err))
			})
		}
	}

	if cfg.MQTT.BrokerURL != "" {
		pub := publish.New(publish.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			TopicRoot: cfg.MQTT.TopicRoot,
		})
		if err := pub.Connect(); err != nil {
			log.Warn("MQTT publishing disabled: failed to connect", zap.Error(err))
		} else {
			defer pub.Close()
			mqttEvents, cancelMQTT := bus.Subscribe(32)
			defer cancelMQTT()
			go pub.Run(ctx, mqttEvents, func(err error) {
				log.Error("MQTT publish failed", zap.Error(err))
			})
		}
	}

	wd := watchdog.New(rd, watchdog.RecoverFunc(ctrl), log, 5*time.Second, 2*time.Second)
	if err := wd.Start(ctx); err != nil {
		log.Warn("watchdog disabled", zap.Error(err))
	} else {
		defer wd.Stop()
	}

	server := api.New(api.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		APIKey: os.Getenv("PN532_API_KEY"),
	}, rd, auditLog, log)

	apiEvents, cancelAPI := bus.Subscribe(32)
	defer cancelAPI()
	go server.BroadcastEvents(ctx, apiEvents)

	go func() {
		if err := server.Listen(); err != nil {
			log.Error("status API stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := server.Shutdown(5 * time.Second); err != nil {
		log.Error("status API shutdown error", zap.Error(err))
	}
	log.Info("pn532readerd stopped")
}
