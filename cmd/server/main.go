package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"portfolio/internal/api"
	"portfolio/internal/config"
	"portfolio/internal/exchange"
	"portfolio/internal/repository"
	"portfolio/internal/service"
	"portfolio/pkg/crypto"
	"portfolio/pkg/ratelimit"
	"portfolio/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.Error("server failed", utils.Err(err))
		_ = utils.L().Sync()
		os.Exit(1)
	}
}

func run() error {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer func() { _ = log.Sync() }()

	// Инициализация базы данных
	db, err := initDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.Migrate(migrateCtx, db)
	cancel()
	if err != nil {
		return err
	}
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Инициализация репозиториев
	connections := repository.NewExchangeRepository(db)
	profiles := repository.NewProfileRepository(db)

	cipher, err := crypto.NewCipherFromSecret(cfg.Security.EncryptionSecret, cfg.Security.EncryptionSalt)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	// Лимиты бирж общие для всех клиентов процесса
	limiters := ratelimit.NewRegistry()
	policy := exchange.CallPolicy{
		MaxAttempts: cfg.Exchange.MaxAttempts,
		Backoff:     cfg.Exchange.RetryBackoff,
	}

	clients := exchange.NewClientCache(exchange.CacheConfig{
		IdleTTL:        cfg.Exchange.ClientIdleTTL,
		SweepInterval:  cfg.Exchange.SweepInterval,
		BuildTimeout:   cfg.Exchange.ValidationTimeout,
		RequestTimeout: cfg.Exchange.RequestTimeout,
		RateLimit:      true,
		Limiters:       limiters,
	}, log)
	if err := clients.Start(); err != nil {
		return err
	}
	defer clients.Stop()

	pricer, err := service.NewTickerPricer(service.PricerConfig{
		Venue:   exchange.Name(cfg.Exchange.PricingVenue),
		Quote:   cfg.Exchange.QuoteCurrency,
		TTL:     cfg.Exchange.PriceCacheTTL,
		MaxSize: int64(cfg.Exchange.PriceCacheSize),
		Timeout: cfg.Exchange.ValidationTimeout,
		Policy:  policy,
	}, nil, limiters, log)
	if err != nil {
		return err
	}
	defer pricer.Close()

	// Инициализация сервисов
	portfolioService := service.NewPortfolioService(
		connections,
		service.NewCredentialResolver(connections, cipher),
		clients,
		pricer,
		service.PortfolioConfig{
			MaxConcurrency:  cfg.Exchange.MaxConcurrency,
			ExchangeTimeout: cfg.Exchange.AggregationTimeout,
			Policy:          policy,
		},
		log,
	)

	exchangeService := service.NewExchangeService(
		connections,
		profiles,
		cipher,
		clients,
		service.ExchangeServiceConfig{
			ValidationTimeout: cfg.Exchange.ValidationTimeout,
			RequestTimeout:    cfg.Exchange.RequestTimeout,
			Policy:            policy,
			Limiters:          limiters,
		},
		log,
	)

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		PortfolioService: portfolioService,
		ExchangeService:  exchangeService,
		JWTSecret:        []byte(cfg.Security.JWTSecret),
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		MetricsUser:      cfg.Server.MetricsUser,
		MetricsPassword:  cfg.Server.MetricsPassword,
		Logger:           log,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
	case sig := <-quit:
		log.Info("shutting down server", utils.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	exchange.CloseIdleConnections()
	log.Info("server exited")
	return nil
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
