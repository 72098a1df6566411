package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "pharmaledger/internal/adapters/web"
	"pharmaledger/internal/app"
	"pharmaledger/internal/config"
	"pharmaledger/internal/core"
	"pharmaledger/internal/db"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	store := core.NewEventStore(pool)
	stock := core.NewStockLedger(pool, store, cfg.Policy.ReservationTTL)
	credit := core.NewCreditLedger(pool, store, core.CreditPolicy{
		Floor:            cfg.Policy.CreditFloor,
		AllowOverpayment: cfg.Policy.AllowOverpayment,
	})
	supplier := core.NewSupplierLedger(pool, store)
	notifier := core.NewNotifier()
	coordinator := core.NewCoordinator(pool, store, stock, credit, supplier, notifier, log)

	if err := coordinator.RestoreHalts(ctx); err != nil {
		log.Fatalf("restore halted keys: %v", err)
	}

	// Reservation-expiry sweep: expired holds are actively reclaimed rather
	// than left to be filtered out of availability checks forever.
	go func() {
		ticker := time.NewTicker(cfg.Policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := stock.ExpireReservations(ctx)
				if err != nil {
					log.WithError(err).Warn("reservation sweep failed")
				} else if n > 0 {
					log.WithField("expired", n).Info("reclaimed stale reservations")
				}
			}
		}
	}()

	svc := app.NewAppService(pool, coordinator, store, stock, credit, supplier, notifier,
		cfg.Policy.ReservationTTL.String())
	handler := webAdapter.NewHandler(svc, log)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.HTTPPort).Info("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}
