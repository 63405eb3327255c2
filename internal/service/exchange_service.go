package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/repository"
	"portfolio/pkg/ratelimit"
	"portfolio/pkg/utils"
)

// Ошибки сервиса
var (
	ErrExchangeNotConnected = errors.New("exchange is not connected")
)

// ValidationError - ключи не прошли проверку на бирже.
// Error() - готовое сообщение для пользователя.
type ValidationError struct {
	Exchange exchange.Name
	Kind     exchange.ErrorKind
	Message  string
	// Hint - подсказка по бирже (например, ограничения testnet)
	Hint string
	Err  error
}

func (e *ValidationError) Error() string {
	msg := "Failed to connect to " + e.Exchange.DisplayName() + ": " + e.Message
	if e.Hint != "" {
		msg += " " + e.Hint
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ExchangeServiceConfig - параметры проверки ключей
type ExchangeServiceConfig struct {
	// ValidationTimeout ограничивает всю проверку ключей
	ValidationTimeout time.Duration
	RequestTimeout    time.Duration
	Policy            exchange.CallPolicy
	Limiters          *ratelimit.Registry
	// Factory создаёт одноразовый клиент для проверки; nil - exchange.NewTransport
	Factory exchange.Factory
}

// DefaultExchangeServiceConfig - 20s на проверку ключей
func DefaultExchangeServiceConfig() ExchangeServiceConfig {
	return ExchangeServiceConfig{
		ValidationTimeout: 20 * time.Second,
		RequestTimeout:    exchange.DefaultTimeout,
		Policy:            exchange.DefaultCallPolicy(),
	}
}

// ExchangeService - подключение бирж: проверка, хранение ключей, отключение
type ExchangeService struct {
	store     ConnectionStore
	profiles  ProfileStore
	encrypter Encrypter
	clients   ClientProvider
	cfg       ExchangeServiceConfig
	log       *utils.Logger
}

// NewExchangeService создает новый экземпляр сервиса
func NewExchangeService(
	store ConnectionStore,
	profiles ProfileStore,
	encrypter Encrypter,
	clients ClientProvider,
	cfg ExchangeServiceConfig,
	log *utils.Logger,
) *ExchangeService {
	def := DefaultExchangeServiceConfig()
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = def.ValidationTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = def.Policy
	}
	if cfg.Factory == nil {
		cfg.Factory = exchange.NewTransport
	}
	if log == nil {
		log = utils.L()
	}

	return &ExchangeService{
		store:     store,
		profiles:  profiles,
		encrypter: encrypter,
		clients:   clients,
		cfg:       cfg,
		log:       log.WithComponent("exchange_service"),
	}
}

// ValidateCredentials проверяет ключи на бирже без сохранения.
//
// Клиент создаётся только для проверки и в кеш не попадает:
// сначала время сервера, затем спотовый баланс.
// Неподдерживаемая биржа отклоняется до любых сетевых запросов.
func (s *ExchangeService) ValidateCredentials(ctx context.Context, rawName string, creds exchange.Credentials, testnet bool) (bool, error) {
	name, err := exchange.ParseName(rawName)
	if err != nil {
		return false, err
	}
	capability, err := exchange.Lookup(name)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ValidationTimeout)
	defer cancel()

	fail := func(err error) (bool, error) {
		classified := exchange.Classify(name, "validating "+string(name)+" credentials", err)
		verr := &ValidationError{
			Exchange: name,
			Kind:     classified.Kind,
			Message:  classified.Error(),
			Err:      classified,
		}
		if testnet {
			verr.Hint = capability.HintFor(err)
		}
		s.log.Warn("credential validation failed",
			utils.Exchange(string(name)),
			utils.Mode(string(exchange.ModeFor(testnet))),
			utils.ErrorKind(classified.Kind.String()),
		)
		return false, verr
	}

	transport, err := s.cfg.Factory(name, exchange.Config{
		Credentials: creds,
		Mode:        exchange.ModeFor(testnet),
		RateLimit:   true,
		Timeout:     s.cfg.RequestTimeout,
		Limiters:    s.cfg.Limiters,
	})
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			s.log.Debug("close validation client", utils.Exchange(string(name)), utils.Err(err))
		}
	}()

	policy := s.cfg.Policy
	policy.Logger = s.log

	if _, err := exchange.Call(ctx, policy, name, "fetching "+string(name)+" server time", transport.FetchServerTime); err != nil {
		return fail(err)
	}

	_, err = exchange.Call(ctx, policy, name, "fetching "+string(name)+" balances",
		func(ctx context.Context) (*exchange.RawBalance, error) {
			return transport.FetchBalance(ctx, exchange.BalanceParams{Type: "spot"})
		})
	if err != nil {
		return fail(err)
	}

	s.log.Info("credentials validated",
		utils.Exchange(string(name)),
		utils.Mode(string(exchange.ModeFor(testnet))),
	)
	return true, nil
}

// ConnectExchange подключает биржу:
// 1. Проверка ключей на бирже
// 2. Шифрование ключей
// 3. Сохранение (замена ключей существующего подключения)
// 4. Отметка онбординга в профиле
// 5. Сброс закешированных клиентов со старыми ключами
func (s *ExchangeService) ConnectExchange(ctx context.Context, userID, rawName string, req models.ConnectRequest) (*models.ConnectionInfo, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}
	name, err := exchange.ParseName(rawName)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	capability, err := exchange.Lookup(name)
	if err != nil {
		return nil, err
	}
	if capability.RequiresPassphrase && req.Passphrase == "" {
		return nil, fmt.Errorf("%w: %s requires an API passphrase", utils.ErrInvalidPassphrase, capability.DisplayName)
	}

	creds := exchange.Credentials{APIKey: req.APIKey, Secret: req.APISecret, Passphrase: req.Passphrase}
	if _, err := s.ValidateCredentials(ctx, string(name), creds, req.IsTestnet); err != nil {
		return nil, err
	}

	conn := &models.ExchangeConnection{
		UserID:    userID,
		Exchange:  name,
		IsTestnet: req.IsTestnet,
	}
	if conn.APIKey, err = s.encrypter.Encrypt(creds.APIKey); err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	if conn.APISecret, err = s.encrypter.Encrypt(creds.Secret); err != nil {
		return nil, fmt.Errorf("encrypt api secret: %w", err)
	}
	if creds.Passphrase != "" {
		if conn.Passphrase, err = s.encrypter.Encrypt(creds.Passphrase); err != nil {
			return nil, fmt.Errorf("encrypt passphrase: %w", err)
		}
	}

	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	if err := s.profiles.MarkOnboarded(ctx, userID); err != nil {
		return nil, fmt.Errorf("mark onboarded: %w", err)
	}

	s.clients.Invalidate(userID, name)

	s.log.Info("exchange connected",
		utils.UserID(userID),
		utils.Exchange(string(name)),
		utils.Mode(string(exchange.ModeFor(req.IsTestnet))),
	)
	return connectionInfo(capability, conn), nil
}

// DisconnectExchange удаляет подключение и клиенты биржи из кеша
func (s *ExchangeService) DisconnectExchange(ctx context.Context, userID, rawName string) error {
	if err := utils.ValidateUserID(userID); err != nil {
		return err
	}
	name, err := exchange.ParseName(rawName)
	if err != nil {
		return err
	}

	if err := s.store.DeleteConnection(ctx, userID, name); err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return ErrExchangeNotConnected
		}
		return err
	}

	removed := s.clients.Invalidate(userID, name)
	s.log.Info("exchange disconnected",
		utils.UserID(userID),
		utils.Exchange(string(name)),
		utils.Count("clients_removed", removed),
	)
	return nil
}

// DisconnectAll удаляет все подключения пользователя и все его клиенты в кеше.
// Возвращает число удалённых подключений.
func (s *ExchangeService) DisconnectAll(ctx context.Context, userID string) (int, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return 0, err
	}

	conns, err := s.store.ListConnections(ctx, userID, nil)
	if err != nil {
		return 0, err
	}

	// кеш сбрасывается и при частичной ошибке: часть ключей уже удалена
	defer func() {
		removed := s.clients.InvalidateAll(userID)
		s.log.Info("user exchanges disconnected",
			utils.UserID(userID),
			utils.Count("connections", len(conns)),
			utils.Count("clients_removed", removed),
		)
	}()

	deleted := 0
	for _, c := range conns {
		if err := s.store.DeleteConnection(ctx, userID, c.Exchange); err != nil {
			if errors.Is(err, repository.ErrConnectionNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete %s connection: %w", c.Exchange, err)
		}
		deleted++
	}
	return deleted, nil
}

// ListConnections возвращает все поддерживаемые биржи с состоянием подключения
func (s *ExchangeService) ListConnections(ctx context.Context, userID string) ([]models.ConnectionInfo, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}

	conns, err := s.store.ListConnections(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	byName := make(map[exchange.Name]*models.ExchangeConnection, len(conns))
	for _, c := range conns {
		byName[c.Exchange] = c
	}

	out := make([]models.ConnectionInfo, 0, len(exchange.SupportedExchanges))
	for _, name := range exchange.SupportedExchanges {
		capability, err := exchange.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, *connectionInfo(capability, byName[name]))
	}
	return out, nil
}

func connectionInfo(c exchange.Capability, conn *models.ExchangeConnection) *models.ConnectionInfo {
	info := &models.ConnectionInfo{
		Exchange:           c.Name,
		DisplayName:        c.DisplayName,
		SupportsTestnet:    c.SupportsTestnet(),
		RequiresPassphrase: c.RequiresPassphrase,
	}
	if conn != nil {
		connectedAt := conn.ConnectedAt
		info.Connected = true
		info.IsTestnet = conn.IsTestnet
		info.ConnectedAt = &connectedAt
	}
	return info
}
