// Command simulator stands in for the registry feed and the courier
// network during local development: it publishes a generated supply
// network over MQTT and acknowledges dispatch orders.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	cfg := parseFlags()
	if err := (&cfg).Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	network := GenerateNetwork(cfg, rng)
	feed := NewFeedPublisher(cfg.Broker, network, cfg.FeedInterval, rng)

	var strat AckStrategy = AutoAck{Delay: cfg.AckLatency}
	if cfg.DropRate > 0 || cfg.RejectRate > 0 {
		strat = RandomAck{
			Delay:      cfg.AckLatency,
			DropRate:   cfg.DropRate,
			RejectRate: cfg.RejectRate,
			Rng:        rng,
		}
	}
	courier := NewSimulatedCourier(cfg.Broker, strat)
	courier.TransitDelay = cfg.TransitDelay

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := feed.Run(ctx); err != nil {
			log.Printf("feed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := courier.Run(ctx); err != nil {
			log.Printf("courier: %v", err)
		}
	}()
	wg.Wait()
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.IntVar(&cfg.Banks, "banks", 3, "number of blood banks")
	flag.IntVar(&cfg.Hospitals, "hospitals", 5, "number of hospitals")
	flag.IntVar(&cfg.UnitsPerBank, "units-per-bank", 20, "starting units per bank")
	flag.IntVar(&cfg.Donors, "donors", 50, "number of registered donors")
	flag.DurationVar(&cfg.AckLatency, "ack-latency", 0, "courier ack latency")
	flag.DurationVar(&cfg.TransitDelay, "transit-delay", 5*time.Second, "delay between ack and delivery confirmation")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "ack drop rate")
	flag.Float64Var(&cfg.RejectRate, "reject-rate", 0, "order rejection rate")
	flag.DurationVar(&cfg.FeedInterval, "feed-interval", time.Minute, "interval between simulated donations")
	flag.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 = time-based)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}
