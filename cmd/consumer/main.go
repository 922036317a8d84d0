// Consumer joins a consumer group and prints consumed record values to
// stdout one line at a time. Prometheus metrics are served on /metrics.
// Configured through the environment (prefix CONSUMER_, .env file honored).
// This is meant as an example of how to use the library.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/kafkarunner/groups"
	"github.com/mkocikowski/kafkarunner/instrument"
	"github.com/mkocikowski/kafkarunner/runner"
	"github.com/mkocikowski/libkafka/client/fetcher"
)

type Config struct {
	// host:port or SRV
	Bootstrap string   `default:"localhost:9092"`
	Topics    []string `default:"test"`
	// Empty means a random group id: every run starts a fresh group.
	Group             string
	MetricsAddr       string        `default:":2112" envconfig:"METRICS_ADDR"`
	HeartbeatInterval time.Duration `default:"3s" envconfig:"HEARTBEAT_INTERVAL"`
	Concurrency       int           `default:"1"`
	FromOldest        bool          `default:"false" envconfig:"FROM_OLDEST"`
}

func main() {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("CONSUMER", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	if cfg.Group == "" {
		cfg.Group = "consumer-" + uuid.NewString()[:8]
	}
	//
	instrument.MustRegister()
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	bus := &instrument.Bus{}
	events := bus.Subscribe()
	go func() {
		for e := range events {
			logger.Info(e.Name, zap.Any("payload", e.Payload))
		}
	}()
	//
	g := &groups.Group{
		Bootstrap:     cfg.Bootstrap,
		GroupId:       cfg.Group,
		Topics:        cfg.Topics,
		MaxWaitTimeMs: 500,
		Logger:        logger,
	}
	if cfg.FromOldest {
		g.DefaultOffset = fetcher.MessageOldest
	}
	r := &runner.Runner{
		Group:             g,
		Emitter:           instrument.Multi(bus, &instrument.Metrics{}),
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Concurrency:       cfg.Concurrency,
		OnCrash: func(err error) {
			logger.Fatal("consumer crashed", zap.Error(err))
		},
		EachMessage: func(topic string, partition int32, m *kafkarunner.Message) error {
			fmt.Printf("%s\n", m.Value)
			return nil
		},
	}
	logger.Info("starting consumer",
		zap.String("group", cfg.Group),
		zap.Strings("topics", cfg.Topics),
	)
	if err := r.Start(); err != nil {
		logger.Fatal("bad config", zap.Error(err))
	}
	//
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	r.Stop()
}
