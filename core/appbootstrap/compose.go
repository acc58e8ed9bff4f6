// Package appbootstrap wires the runtime: storage, bus, lifecycle service,
// verifier, sweeper and HTTP server are composed in one place.
package appbootstrap

import (
	"context"
	"fmt"
	"strings"

	"roadwatch/api"
	"roadwatch/config"
	"roadwatch/core/audit"
	"roadwatch/core/bus"
	"roadwatch/core/incident"
	"roadwatch/core/store"
	"roadwatch/core/sweeper"
	"roadwatch/core/utils"
)

type Runtime struct {
	Server   *api.Server
	Verifier *audit.Verifier
	Sweeper  *sweeper.Sweeper

	db  *store.DB
	pub bus.Publisher
}

func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*Runtime, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	incidentsStore := store.NewIncidentsStore(db)

	var (
		pub    bus.Publisher
		source bus.MessageSource
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Mode)) {
	case "kafka":
		if len(cfg.Bus.Brokers) == 0 {
			db.Close()
			return nil, fmt.Errorf("bus mode kafka requires brokers")
		}
		pub = bus.NewKafkaPublisher(cfg.Bus.Brokers, cfg.Bus.WriteTimeout)
		if cfg.Bus.VerifierEnable {
			source = bus.NewKafkaSource(cfg.Bus.Brokers, cfg.Bus.ConsumerGroup, audit.Topics())
		}
	case "memory", "":
		mb := bus.NewMemoryBus()
		pub = mb
		if cfg.Bus.VerifierEnable {
			source = mb.Subscribe(audit.Topics()...)
		}
	case "none":
		pub = bus.NewNoopPublisher(logger)
	default:
		db.Close()
		return nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}

	svc := incident.NewService(incidentsStore, pub, logger)

	rt := &Runtime{
		Server:  api.NewServer(cfg, api.ServerDeps{IncidentsSvc: svc}, logger),
		Sweeper: sweeper.New(cfg.Sweeper, svc, incidentsStore, pub, logger),
		db:      db,
		pub:     pub,
	}
	if source != nil {
		rt.Verifier = audit.NewVerifier(source, incidentsStore, logger)
	}
	return rt, nil
}

// StartWorkers launches the verifier and the sweep scheduler.
func (r *Runtime) StartWorkers(ctx context.Context) error {
	if r.Verifier != nil {
		r.Verifier.StartWithContext(ctx)
	}
	return r.Sweeper.Start()
}

// Shutdown stops workers, the publisher and the database in reverse
// dependency order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.Server.Shutdown(ctx)
	r.Sweeper.Stop()
	if r.Verifier != nil {
		r.Verifier.Stop()
	}
	if cerr := r.pub.Close(); err == nil {
		err = cerr
	}
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
