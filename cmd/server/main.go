package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
	"github.com/iliyamo/bus-seat-reservation/internal/database"
	"github.com/iliyamo/bus-seat-reservation/internal/handler"
	"github.com/iliyamo/bus-seat-reservation/internal/lock"
	"github.com/iliyamo/bus-seat-reservation/internal/middleware"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/payment"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
	"github.com/iliyamo/bus-seat-reservation/internal/router"
	queue_publisher "github.com/iliyamo/bus-seat-reservation/internal/service"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.Check{}

	var store repository.Store
	switch cfg.StoreDriver {
	case "mysql":
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		store = repository.NewMySQLStore(db)
		checks["mysql"] = db.PingContext
	case "memory":
		mem := repository.NewMemoryStore()
		seedDemoTrip(mem)
		store = mem
		log.Printf("using in-memory store with demo trip 1; data is lost on exit")
	default:
		log.Fatalf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable: rate limiting is per instance, seat map cache and reclaim lease disabled")
	} else {
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	engineOpts := []reservation.Option{reservation.WithHoldDuration(config.HoldSettings{})}
	if cfg.RabbitURL != "" {
		pub := queue_publisher.NewPublisher(cfg.RabbitURL, cfg.BookingExchange)
		defer pub.Close()
		engineOpts = append(engineOpts, reservation.WithPublisher(pub))

		consumer := queue.NewNotificationConsumer(cfg.RabbitURL, cfg.BookingExchange, cfg.NotifyQueue, queue.NewFileNotifier())
		go consumer.Run(ctx)
	} else {
		log.Printf("RABBITMQ_URL not set: booking events are not published")
	}
	engine := reservation.NewEngine(store, engineOpts...)

	reclaimer := reservation.NewReclaimer(engine, cfg.ReclaimInterval, cfg.ReclaimBatch, reclaimLease(rdb, cfg.ReclaimLeaseTTL))
	go reclaimer.Run(ctx)

	payments := payment.NewService(store, payment.NewPayOSClient(cfg.PayOS))
	reconciler := payment.NewReconciler(store, engine, cfg.PayOS.ChecksumKey)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.Logger())

	bookings := handler.NewBookingHandler(engine, store, payments)
	router.RegisterRoutes(e, checks)
	router.RegisterCustomer(e, bookings, cfg.JWTSecret,
		middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterAdmin(e, bookings, cfg.JWTSecret)
	router.RegisterWebhook(e, &handler.WebhookHandler{Reconciler: reconciler})

	addr := ":" + cfg.Port
	go func() {
		log.Printf("listening on %s (env=%s, store=%s)", addr, cfg.Env, cfg.StoreDriver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// reclaimLease returns nil without Redis, in which case every instance
// sweeps.
func reclaimLease(rdb *redis.Client, ttl time.Duration) reservation.Lease {
	if rdb == nil {
		return nil
	}
	return lock.NewLease(rdb, "lease:reclaimer", ttl)
}

func seedDemoTrip(s *repository.MemoryStore) {
	seats := make([]model.Seat, 0, 40)
	for _, row := range []string{"A", "B"} {
		for i := 1; i <= 20; i++ {
			seats = append(seats, model.Seat{SeatNumber: fmt.Sprintf("%s%d", row, i), Status: model.SeatAvailable})
		}
	}
	s.PutTrip(&model.Trip{
		ID:          1,
		CompanyID:   1,
		Price:       250000,
		Status:      model.TripScheduled,
		DepartureAt: time.Now().UTC().Add(48 * time.Hour),
		ArrivalAt:   time.Now().UTC().Add(56 * time.Hour),
		Seats:       seats,
	})
}
