package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hotelbooking/internal/api"
	"hotelbooking/internal/config"
	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/events"
	"hotelbooking/internal/export"
	"hotelbooking/internal/gateway/vnpay"
	"hotelbooking/internal/google"
	"hotelbooking/internal/logging"
	"hotelbooking/internal/metrics"
	"hotelbooking/internal/models"
	"hotelbooking/internal/notify"
	"hotelbooking/internal/repository"
	"hotelbooking/internal/service"
	"hotelbooking/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	logger := logging.Component(baseLogger, "api-main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, logging.Component(baseLogger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	rooms := service.NewRoomService(db, cfg.Booking.MaxAdvanceDays, logging.Component(baseLogger, "rooms"))
	if err := seedRooms(ctx, rooms, logger); err != nil {
		return err
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	store := initStore(redisClient, logger)

	gateway, results, err := initPayments(cfg)
	if err != nil {
		return err
	}

	ledger := initLedger(ctx, cfg, logger)
	notifier := initNotifier(cfg, baseLogger, logger)

	var ledgerWriter worker.LedgerWriter
	if ledger != nil {
		ledgerWriter = ledger
	}
	outbox := worker.NewOutboxWorker(db, ledgerWriter, notifier, redisClient, cfg.Outbox, logging.Component(baseLogger, "outbox"))

	bus := events.NewEventBus()
	for _, eventType := range events.All {
		eventType := eventType
		bus.Subscribe(eventType, func(*events.Event) error {
			metrics.IncEvent(eventType)
			return nil
		})
	}

	coordinator := service.NewCoordinator(
		db, gateway, bus, outbox,
		cfg.Booking.MaxAdvanceDays, cfg.Booking.HoldTTL,
		logging.Component(baseLogger, "coordinator"),
	).WithMinPaymentAmount(cfg.Payment.MinAmount)
	sweeper := worker.NewHoldSweeper(coordinator, cfg.Booking.SweepInterval, logging.Component(baseLogger, "hold-sweeper"))
	backups := database.NewBackupService(db, cfg.Backup, baseLogger)

	identity, err := api.NewIdentityVerifier(cfg.API.Identity)
	if err != nil {
		return err
	}
	reports := export.NewReconciliationReport(db, cfg.Exports.Path, logging.Component(baseLogger, "export"))

	httpServer := api.NewHTTPServer(cfg.API, api.Deps{
		Coordinator: coordinator,
		Rooms:       rooms,
		Store:       store,
		Results:     results,
		Identity:    identity,
		Reports:     reports,
		Storage:     db,
	}, logging.Component(baseLogger, "http"))

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, db, baseLogger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug().Str("task", name).Msg("background task stopped")
		}()
	}
	background("outbox", outbox.Start)
	background("hold-sweeper", sweeper.Start)
	background("backup", backups.Start)
	if ledger != nil {
		background("ledger-cache", func(ctx context.Context) { ledger.StartCacheRefresh(ctx, 10*time.Minute) })
	}
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		background("metrics", func(ctx context.Context) { startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}
	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
				stop()
			}
		}()
	}

	logger.Info().
		Int("http_port", cfg.API.HTTP.Port).
		Bool("grpc", grpcServer != nil).
		Bool("ledger", ledger != nil).
		Bool("redis", redisClient != nil).
		Msg("hotel booking service started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("hotel booking service stopped")
	return nil
}

func seedRooms(ctx context.Context, rooms *service.RoomService, logger *zerolog.Logger) error {
	roomsPath := os.Getenv("ROOMS_PATH")
	if roomsPath == "" {
		roomsPath = "configs/rooms.yaml"
	}
	data, err := os.ReadFile(roomsPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("rooms_path", roomsPath).Msg("room catalogue not found, skipping seed")
		return rooms.Refresh(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Str("rooms_path", roomsPath).Msg("read rooms")
		return err
	}

	var catalogue struct {
		Rooms []models.Room `yaml:"rooms"`
	}
	if err := yaml.Unmarshal(data, &catalogue); err != nil {
		logger.Error().Err(err).Str("rooms_path", roomsPath).Msg("parse rooms")
		return err
	}
	return rooms.SeedRooms(ctx, catalogue.Rooms)
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initStore(client *redis.Client, logger *zerolog.Logger) domain.KVStore {
	memory := repository.NewMemoryStore()
	if client == nil {
		return memory
	}
	return repository.NewFailoverStore(repository.NewRedisStore(client), memory, logger)
}

func initPayments(cfg *config.Config) (*vnpay.Adapter, *vnpay.ResultSigner, error) {
	loc, err := cfg.VNPay.Location()
	if err != nil {
		return nil, nil, err
	}
	gateway, err := vnpay.NewAdapter(vnpay.Config{
		BaseURL:    cfg.VNPay.BaseURL,
		TmnCode:    cfg.VNPay.TmnCode,
		HashSecret: cfg.VNPay.HashSecret,
		ReturnURL:  cfg.VNPay.ReturnURL,
		Location:   loc,
		Locale:     cfg.VNPay.Locale,
		Currency:   cfg.VNPay.Currency,
		Version:    cfg.VNPay.Version,
		OrderType:  cfg.VNPay.OrderType,
	})
	if err != nil {
		return nil, nil, err
	}
	results, err := vnpay.NewResultSigner(cfg.Payment.SignatureSecret, cfg.Payment.ResultRedirectURL)
	if err != nil {
		return nil, nil, err
	}
	return gateway, results, nil
}

func initLedger(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *google.LedgerService {
	if cfg.Google.GoogleCredentialsFile == "" || cfg.Google.LedgerSpreadsheetID == "" {
		return nil
	}

	ledger, err := google.NewLedgerService(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.LedgerSpreadsheetID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without ledger")
		return nil
	}
	if err := ledger.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without ledger")
		return nil
	}
	if err := ledger.EnsureHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("ledger header")
	}

	logger.Info().Msg("google sheets ledger connected")
	return ledger
}

func initNotifier(cfg *config.Config, base, logger *zerolog.Logger) worker.Notifier {
	if cfg.Telegram.BotToken == "" {
		return notify.NewLogNotifier(logging.Component(base, "notify"))
	}
	bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken, cfg.Telegram.Debug)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, staff notices go to the log")
		return notify.NewLogNotifier(logging.Component(base, "notify"))
	}
	return notify.NewTelegramNotifier(bot, cfg.Telegram.StaffChatID, logging.Component(base, "notify"))
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
