package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/api"
	"github.com/punchamoorthee/farepay/internal/catalog"
	"github.com/punchamoorthee/farepay/internal/config"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/fare"
	"github.com/punchamoorthee/farepay/internal/ledger"
	"github.com/punchamoorthee/farepay/internal/payment"
	"github.com/punchamoorthee/farepay/internal/service"
	"github.com/punchamoorthee/farepay/internal/store"
	"github.com/punchamoorthee/farepay/internal/topup"
	"github.com/punchamoorthee/farepay/internal/wallet"
)

type persistence interface {
	ledger.Journal
	service.IdempotencyStore
	LoadSnapshot(ctx context.Context) (domain.LedgerSnapshot, bool, error)
}

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(cfg.LogLevel)
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	var db persistence
	var pg *store.Store
	switch cfg.StoreDriver {
	case "postgres":
		pg, err = store.NewStore(cfg.DBSource, cfg.WalletPhone)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal(err)
		}
		db = pg
	default:
		b, err := store.NewBolt(cfg.BoltPath)
		if err != nil {
			log.Fatalf("Unable to open %s: %v", cfg.BoltPath, err)
		}
		defer b.Close()
		db = b
	}

	routes, err := loadCatalog(ctx, cfg, pg)
	if err != nil {
		log.Fatalf("Unable to load routes: %v", err)
	}

	// Remote wallet
	client := wallet.New(cfg.WalletAPIURL, wallet.WithToken(cfg.WalletToken), wallet.WithLogger(log))
	if cfg.WalletToken == "" && cfg.WalletPhone != "" {
		if _, err := client.Login(ctx, cfg.WalletPhone, cfg.WalletPIN); err != nil {
			log.Fatalf("Wallet login failed: %v", err)
		}
	}

	// Events
	var pub events.Publisher = events.Nop{}
	var link api.Link
	if cfg.NATSURL != "" {
		n, err := events.NewNATS(events.Config{URL: cfg.NATSURL, Name: "farepayd", MaxReconnects: -1})
		if err != nil {
			log.WithError(err).Warn("events disabled")
		} else {
			defer n.Close()
			pub = n
			link = n
		}
	}

	// Core
	cache := ledger.NewCache(
		ledger.WithJournal(db),
		ledger.WithLogger(log),
		ledger.WithWindow(cfg.ReconcileWindow, cfg.ReconcileGrace),
	)
	if snap, found, err := db.LoadSnapshot(ctx); err != nil {
		log.WithError(err).Warn("ledger snapshot unreadable, starting empty")
	} else if found {
		if err := cache.Restore(snap); err != nil {
			log.WithError(err).Warn("ledger snapshot rejected, starting empty")
		}
	}

	schedule, err := fare.ParseSchedule(cfg.PeakWindows, cfg.Timezone)
	if err != nil {
		log.Fatalf("PEAK_WINDOWS: %v", err)
	}

	orch := topup.NewOrchestrator(client, cache,
		topup.WithConfig(topup.Config{
			Interval:       cfg.TopUpInterval,
			MaxAttempts:    cfg.TopUpAttempts,
			Epsilon:        cfg.TopUpEpsilon,
			RequestTimeout: cfg.RequestTimeout,
		}),
		topup.WithLogger(log),
		topup.WithPublisher(pub),
	)

	engineOpts := []payment.Option{payment.WithSchedule(schedule), payment.WithLogger(log), payment.WithPublisher(pub)}
	if cfg.FareSettlement {
		engineOpts = append(engineOpts, payment.WithSettler(client, cfg.SettleTimeout))
	}
	engine := payment.NewEngine(routes, cache, orch, engineOpts...)

	refresher := service.NewRefresher(client, cache, cfg.RefreshInterval, nil, log, pub)
	go refresher.Run(ctx)

	// Initialize Layers
	handler := api.NewHandler(api.Deps{
		Catalog:   routes,
		Ledger:    cache,
		Engine:    engine,
		TopUps:    orch,
		Transfers: service.NewTransferService(db, client, cache, log, pub),
		Refresher: refresher,
		Sessions:  api.NewRegistry(cfg.SessionRetention, nil),
		Events:    link,
		Log:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Server starting on :%s with %d routes", cfg.Port, routes.Len())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

// loadCatalog prefers an explicit file, then the database route table, then
// the built-in list.
func loadCatalog(ctx context.Context, cfg *config.Config, pg *store.Store) (*catalog.Catalog, error) {
	if cfg.RoutesFile != "" {
		return catalog.LoadFile(cfg.RoutesFile)
	}
	if pg != nil {
		routes, err := pg.ListRoutes(ctx)
		if err != nil {
			return nil, err
		}
		if len(routes) > 0 {
			return catalog.New(routes)
		}
	}
	return catalog.Default(), nil
}
