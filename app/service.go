// Package app wires the configured components into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kmarchand/hemonet/api/emergencies"
	"github.com/kmarchand/hemonet/api/inventory"
	"github.com/kmarchand/hemonet/config"
	"github.com/kmarchand/hemonet/core/alloc"
	"github.com/kmarchand/hemonet/core/candidates"
	"github.com/kmarchand/hemonet/core/events"
	coreledger "github.com/kmarchand/hemonet/core/ledger"
	"github.com/kmarchand/hemonet/core/logger"
	coremetrics "github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/rebalance"
	"github.com/kmarchand/hemonet/core/routing"
	"github.com/kmarchand/hemonet/core/shortage"
	"github.com/kmarchand/hemonet/core/store"
	infraledger "github.com/kmarchand/hemonet/infra/ledger"
	infralogger "github.com/kmarchand/hemonet/infra/logger"
	"github.com/kmarchand/hemonet/infra/metrics"
	"github.com/kmarchand/hemonet/infra/mqtt"
	"github.com/kmarchand/hemonet/internal/eventbus"
)

// Service orchestrates the allocation scheduler and its periphery.
type Service struct {
	Store      *store.Store
	Router     *routing.Engine
	Allocator  *alloc.Allocator
	Sweeper    *alloc.Sweeper
	Rebalancer *rebalance.Rebalancer
	Responder  *shortage.Responder

	bus      eventbus.EventBus
	client   *mqtt.PahoClient
	journal  coreledger.Store
	feed     *mqtt.FeedSubscriber
	delivery *mqtt.DeliverySubscriber
	cfg      *config.Config
	log      logger.Logger
	promAddr string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := infralogger.New("service")

	client, err := mqtt.NewPahoClient(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	sink, promAddr, err := buildSinks(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	var journal coreledger.Store
	switch cfg.Ledger.Backend {
	case "memory":
		journal = infraledger.NewMemoryStore()
	default:
		journal, err = infraledger.NewSQLiteStore(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}

	bus := eventbus.New()
	st := store.New(bus)
	router := routing.New(cfg.Routing.Options()...)
	gen := candidates.NewGenerator(st, router, nil, cfg.Candidates.Generator(), infralogger.New("candidates"))
	outreachRec, _ := sink.(coremetrics.OutreachRecorder)
	responder := shortage.New(st, client, outreachRec, cfg.Shortage, infralogger.New("shortage"))

	allocator := alloc.New(st, gen, client, journal, cfg.Alloc,
		alloc.WithSink(sink),
		alloc.WithBus(bus),
		alloc.WithLogger(infralogger.New("alloc")),
		alloc.WithShortageNotifier(responder),
	)
	sweeper := alloc.NewSweeper(allocator, cfg.Alloc.SweepInterval(), infralogger.New("sweeper"))
	rebalancer := rebalance.New(st, allocator, cfg.Rebalance, infralogger.New("rebalance"))

	return &Service{
		Store:      st,
		Router:     router,
		Allocator:  allocator,
		Sweeper:    sweeper,
		Rebalancer: rebalancer,
		Responder:  responder,
		bus:        bus,
		client:     client,
		journal:    journal,
		feed:       mqtt.NewFeedSubscriber(st, infralogger.New("feed")),
		delivery:   mqtt.NewDeliverySubscriber(st, infralogger.New("delivery")),
		cfg:        cfg,
		log:        logg,
		promAddr:   promAddr,
	}, nil
}

func buildSinks(cfg config.MetricsConfig) (coremetrics.Sink, string, error) {
	var sinks []coremetrics.Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "prometheus":
			s, err := metrics.NewPromSink()
			if err != nil {
				return nil, "", fmt.Errorf("prom sink: %w", err)
			}
			sinks = append(sinks, s)
		case "influx":
			sinks = append(sinks, metrics.NewInfluxSinkWithFallback(sc.URL, sc.Token, sc.Org, sc.Bucket))
		case "nop":
			sinks = append(sinks, coremetrics.NopSink{})
		}
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}
	return sink, cfg.PrometheusAddr, nil
}

// watchChanges keeps the routing graph and the rebalancer's shortage
// memory in sync with store and scheduler events.
func (s *Service) watchChanges(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case store.ChangeEvent:
				if e.Kind == store.KindLocation {
					if loc, err := s.Store.Location(e.ID); err == nil {
						s.Router.AddLocation(loc)
					}
				}
			case events.ShortageEvent:
				s.Rebalancer.NoteShortage(e.Demand.OriginID, e.Demand.RequiredType)
			}
		}
	}
}

// Run starts the service and blocks until the context is cancelled.
// In-flight reservations from a previous run are reconciled before any
// new work is accepted.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Allocator.ReconcilePending(ctx); err != nil {
		return fmt.Errorf("reconcile pending reservations: %w", err)
	}

	go s.watchChanges(ctx)

	qos := byte(0)
	if q, ok := s.cfg.MQTT.QoS["feed"]; ok {
		qos = q
	}
	if err := s.feed.Attach(s.client, s.cfg.MQTT.FeedTopic, qos); err != nil {
		return fmt.Errorf("attach feed: %w", err)
	}
	if err := s.delivery.Attach(s.client, s.cfg.MQTT.DeliveryTopic, qos); err != nil {
		return fmt.Errorf("attach deliveries: %w", err)
	}

	s.Sweeper.Start(ctx)
	defer s.Sweeper.Stop()
	s.Rebalancer.Start(ctx)
	defer s.Rebalancer.Stop()

	if s.promAddr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/emergencies", emergencies.NewHandler(s.Store, s.Allocator, infralogger.New("api")))
	mux.Handle("/api/emergencies/", emergencies.NewHandler(s.Store, s.Allocator, infralogger.New("api")))
	mux.Handle("/api/inventory", inventory.NewHandler(s.Store))
	srv := &http.Server{Addr: s.cfg.API.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api server shutdown: %v", err)
		}
	}()
	s.log.Infof("api listening on %s", s.cfg.API.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Responder.Wait()
	s.client.Disconnect()
	s.bus.Close()
	return s.journal.Close()
}
