package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"balanceflow/config"
	"balanceflow/internal/audit"
	"balanceflow/internal/dashboard"
	"balanceflow/internal/engine"
	"balanceflow/internal/metrics"
	"balanceflow/internal/venue"
	"balanceflow/internal/venue/binance"
	"balanceflow/internal/venue/bybit"
	"balanceflow/internal/venue/kucoin"
	"balanceflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Balanceflow.Name,
		"version": cfg.Balanceflow.Version,
		"env":     config.AppEnvironment(),
		"venues":  cfg.EnabledVenues(),
	}).Info("starting balanceflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Audit.Archive.Enabled {
		logger.InitCloudWatch(cfg.Audit.Archive.Region, "Balanceflow", cfg.Balanceflow.Name)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Listen)
	}

	channels := audit.NewChannels(cfg.Channels.EventBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	clients := buildClients(cfg)

	var kafkaPublisher *audit.KafkaPublisher
	if cfg.Audit.Kafka.Enabled {
		kafkaPublisher, err = audit.NewKafkaPublisher(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka audit trail disabled")
	}

	var telegramNotifier *audit.TelegramNotifier
	if cfg.Audit.Telegram.Enabled {
		telegramNotifier, err = audit.NewTelegramNotifier(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create telegram notifier")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("telegram alerts disabled")
	}

	var archiveWriter *audit.ArchiveWriter
	if cfg.Audit.Archive.Enabled {
		archiveWriter, err = audit.NewArchiveWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 order archive disabled")
	}

	oracle := engine.NewOracle(clients, rand.New(rand.NewSource(time.Now().UnixNano())))
	controller := engine.NewController(cfg, clients, channels, oracle)

	var wg sync.WaitGroup

	if kafkaPublisher != nil {
		if err := kafkaPublisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka publisher")
			os.Exit(1)
		}
	}
	if telegramNotifier != nil {
		if err := telegramNotifier.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start telegram notifier")
			os.Exit(1)
		}
	}
	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	if err := controller.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reconciliation controller")
		os.Exit(1)
	}

	dashboardServer := dashboard.NewServer(cfg.Dashboard, controller, log)
	if dashboardServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashboardServer.Run(ctx, cfg.Balanceflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping reconciliation controller")
	controller.Stop()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}
	if kafkaPublisher != nil {
		log.Info("stopping kafka publisher")
		kafkaPublisher.Stop()
	}
	if telegramNotifier != nil {
		log.Info("stopping telegram notifier")
		telegramNotifier.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("balanceflow stopped")
}

// buildClients constructs one venue client per enabled exchange, in the
// fixed binance, bybit, kucoin order.
func buildClients(cfg *config.Config) []venue.Client {
	clients := make([]venue.Client, 0, 3)
	for _, name := range cfg.EnabledVenues() {
		switch name {
		case "binance":
			clients = append(clients, binance.New(cfg.Venues.Binance))
		case "bybit":
			clients = append(clients, bybit.New(cfg.Venues.Bybit))
		case "kucoin":
			clients = append(clients, kucoin.New(cfg.Venues.Kucoin))
		}
	}
	return clients
}
