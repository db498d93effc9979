package infrastructure

import (
	"context"

	"settlo/internal/config"
	"settlo/internal/repository"
	"settlo/internal/service"
	transportHTTP "settlo/internal/transport/http"
	transportNATS "settlo/internal/transport/nats"
	"settlo/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// settlement engine. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	// ── Wiring ────────────────────────────────────────────────────────────────
	store := repository.NewStore(db, rdb)
	bus := transportNATS.NewBus(nc)
	engine := service.NewCommissionEngine(store, cfg.CommissionBps, cfg.CommissionDepth)
	svc := service.NewCoordinator(store, engine, bus)

	servers := []Server{
		worker.NewCommissionWorker(svc, nc),
		transportNATS.NewHandler(svc, nc),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
