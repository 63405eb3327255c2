package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"portfolio/internal/exchange"
	"portfolio/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Exchange ExchangeConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// AllowedOrigins - origins frontend для CORS; пустой список - dev-серверы
	AllowedOrigins []string

	// MetricsUser/MetricsPassword закрывают /metrics basic auth
	MetricsUser     string
	MetricsPassword string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// JWTSecret - HS256 секрет identity-провайдера
	JWTSecret string
	// EncryptionSecret/EncryptionSalt - из них scrypt выводит ключ AES-256 для ключей бирж
	EncryptionSecret string
	EncryptionSalt   string
}

// ExchangeConfig - работа с биржами: таймауты, повторы, кеш клиентов, оценка в USD
type ExchangeConfig struct {
	RequestTimeout    time.Duration
	ValidationTimeout time.Duration
	// AggregationTimeout ограничивает сбор данных одной биржи в сводном портфеле
	AggregationTimeout time.Duration

	MaxAttempts  int
	RetryBackoff time.Duration

	ClientIdleTTL time.Duration
	SweepInterval time.Duration

	PricingVenue   string
	QuoteCurrency  string
	PriceCacheTTL  time.Duration
	PriceCacheSize int

	// MaxConcurrency - сколько бирж опрашивается одновременно
	MaxConcurrency int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// LogConfig переводит настройки в параметры utils.InitLogger
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       l.Level,
		Format:      l.Format,
		Output:      l.Output,
		Development: l.Development,
	}
}

// Load загружает конфигурацию из .env (если файл есть) и переменных окружения
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom читает указанные env-файлы и затем окружение.
// Переменные, уже заданные в окружении, файлами не перезаписываются.
// Отсутствующий файл не ошибка.
func LoadFrom(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
			MetricsUser:     getEnv("METRICS_USERNAME", ""),
			MetricsPassword: getEnv("METRICS_PASSWORD", ""),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "portfolio"),
			User:            getEnv("DB_USER", "user"),
			Password:        getEnv("DB_PASSWORD", "password"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			JWTSecret:        getEnv("JWT_SECRET", ""),
			EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),
			EncryptionSalt:   getEnv("ENCRYPTION_SALT", ""),
		},
		Exchange: ExchangeConfig{
			RequestTimeout:     getEnvAsDuration("EXCHANGE_REQUEST_TIMEOUT", exchange.DefaultTimeout),
			ValidationTimeout:  getEnvAsDuration("EXCHANGE_VALIDATION_TIMEOUT", 20*time.Second),
			AggregationTimeout: getEnvAsDuration("EXCHANGE_AGGREGATION_TIMEOUT", 45*time.Second),
			MaxAttempts:        getEnvAsInt("EXCHANGE_MAX_ATTEMPTS", exchange.DefaultMaxAttempts),
			RetryBackoff:       getEnvAsDuration("EXCHANGE_RETRY_BACKOFF", exchange.DefaultBackoff),
			ClientIdleTTL:      getEnvAsDuration("EXCHANGE_CLIENT_IDLE_TTL", exchange.DefaultIdleTTL),
			SweepInterval:      getEnvAsDuration("EXCHANGE_SWEEP_INTERVAL", exchange.DefaultSweepInterval),
			PricingVenue:       strings.ToLower(getEnv("PRICING_VENUE", string(exchange.Binance))),
			QuoteCurrency:      strings.ToUpper(getEnv("PRICING_QUOTE_CURRENCY", "USDT")),
			PriceCacheTTL:      getEnvAsDuration("PRICE_CACHE_TTL", 30*time.Second),
			PriceCacheSize:     getEnvAsInt("PRICE_CACHE_SIZE", 1000),
			MaxConcurrency:     getEnvAsInt("EXCHANGE_MAX_CONCURRENCY", 8),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", "stdout"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	if err := cfg.validateExchange(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required for authentication")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters for security")
	}

	// ENCRYPTION_SECRET обязателен для шифрования API ключей бирж
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET is required for encrypting API keys")
	}
	if len(c.Security.EncryptionSecret) < 32 {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least 32 characters")
	}
	if c.Security.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_SALT is required for key derivation")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	// Ответ на сводный портфель не должен обрываться раньше таймаута сбора
	if c.Server.WriteTimeout <= c.Exchange.AggregationTimeout {
		return fmt.Errorf("SERVER_WRITE_TIMEOUT (%v) must exceed EXCHANGE_AGGREGATION_TIMEOUT (%v)",
			c.Server.WriteTimeout, c.Exchange.AggregationTimeout)
	}

	return nil
}

// validateExchange проверяет параметры работы с биржами
func (c *Config) validateExchange() error {
	e := c.Exchange

	if e.MaxAttempts < 1 || e.MaxAttempts > 10 {
		return fmt.Errorf("EXCHANGE_MAX_ATTEMPTS must be between 1 and 10, got %d", e.MaxAttempts)
	}
	if e.RetryBackoff < 0 {
		return fmt.Errorf("EXCHANGE_RETRY_BACKOFF cannot be negative, got %v", e.RetryBackoff)
	}

	// Валидация таймаутов (должны быть положительными)
	for name, d := range map[string]time.Duration{
		"EXCHANGE_REQUEST_TIMEOUT":     e.RequestTimeout,
		"EXCHANGE_VALIDATION_TIMEOUT":  e.ValidationTimeout,
		"EXCHANGE_AGGREGATION_TIMEOUT": e.AggregationTimeout,
		"EXCHANGE_CLIENT_IDLE_TTL":     e.ClientIdleTTL,
		"EXCHANGE_SWEEP_INTERVAL":      e.SweepInterval,
		"PRICE_CACHE_TTL":              e.PriceCacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if e.SweepInterval > e.ClientIdleTTL {
		return fmt.Errorf("EXCHANGE_SWEEP_INTERVAL (%v) should not exceed EXCHANGE_CLIENT_IDLE_TTL (%v)",
			e.SweepInterval, e.ClientIdleTTL)
	}

	if _, err := exchange.ParseName(e.PricingVenue); err != nil {
		return fmt.Errorf("PRICING_VENUE: %w", err)
	}
	if err := utils.ValidateCurrency(e.QuoteCurrency); err != nil {
		return fmt.Errorf("PRICING_QUOTE_CURRENCY: %w", err)
	}

	if e.PriceCacheSize < 1 {
		return fmt.Errorf("PRICE_CACHE_SIZE must be positive, got %d", e.PriceCacheSize)
	}
	if e.MaxConcurrency < 1 {
		return fmt.Errorf("EXCHANGE_MAX_CONCURRENCY must be positive, got %d", e.MaxConcurrency)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr - адрес для http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList разбирает значения через запятую
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
