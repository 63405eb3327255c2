package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"portfolio/internal/exchange"
	"portfolio/internal/metrics"
	"portfolio/internal/models"
	"portfolio/internal/repository"
	"portfolio/pkg/utils"
)

// Ошибки сервиса портфеля
var (
	ErrOperationNotSupported = errors.New("operation is not supported by exchange")
)

// PortfolioConfig - параметры агрегации
type PortfolioConfig struct {
	// MaxConcurrency - сколько бирж (и оценок активов) опрашивается одновременно
	MaxConcurrency int
	// ExchangeTimeout - срок на одну биржу вместе с оценкой
	ExchangeTimeout time.Duration
	Policy          exchange.CallPolicy
}

// DefaultPortfolioConfig - 8 параллельных запросов, 45s на биржу
func DefaultPortfolioConfig() PortfolioConfig {
	return PortfolioConfig{
		MaxConcurrency:  8,
		ExchangeTimeout: 45 * time.Second,
		Policy:          exchange.DefaultCallPolicy(),
	}
}

// PortfolioService собирает балансы пользователя со всех подключённых бирж
type PortfolioService struct {
	store    ConnectionStore
	resolver *CredentialResolver
	clients  ClientProvider
	prices   PriceSource
	cfg      PortfolioConfig
	log      *utils.Logger
}

// NewPortfolioService создает новый экземпляр сервиса
func NewPortfolioService(
	store ConnectionStore,
	resolver *CredentialResolver,
	clients ClientProvider,
	prices PriceSource,
	cfg PortfolioConfig,
	log *utils.Logger,
) *PortfolioService {
	def := DefaultPortfolioConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = def.Policy
	}
	if log == nil {
		log = utils.L()
	}

	return &PortfolioService{
		store:    store,
		resolver: resolver,
		clients:  clients,
		prices:   prices,
		cfg:      cfg,
		log:      log.WithComponent("portfolio"),
	}
}

// parseNames проверяет биржи и убирает повторы, сохраняя порядок первого вхождения
func parseNames(names []string) ([]exchange.Name, error) {
	out := make([]exchange.Name, 0, len(names))
	seen := make(map[exchange.Name]struct{}, len(names))

	for _, raw := range names {
		name, err := exchange.ParseName(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

// GetCompletePortfolio возвращает портфель по биржам names
// (пустой список - все подключения пользователя).
//
// Ошибка одной биржи не прерывает остальные: она попадает в ответ записью
// с Error. Порядок записей совпадает с порядком names.
// Некорректный ввод отклоняется до обращения к хранилищу и биржам.
func (s *PortfolioService) GetCompletePortfolio(ctx context.Context, userID string, names []string) (*models.PortfolioResponse, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}
	parsed, err := parseNames(names)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() {
		metrics.AggregationDuration.Observe(time.Since(started).Seconds())
	}()

	conns, err := s.store.ListConnections(ctx, userID, parsed)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	byName := make(map[exchange.Name]*models.ExchangeConnection, len(conns))
	for _, c := range conns {
		byName[c.Exchange] = c
	}
	if len(parsed) == 0 {
		for _, c := range conns {
			parsed = append(parsed, c.Exchange)
		}
	}

	data := make([]models.ExchangePortfolio, len(parsed))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, name := range parsed {
		g.Go(func() error {
			data[i] = s.collectSafe(ctx, userID, name, byName[name])
			return nil
		})
	}
	_ = g.Wait()

	resp := models.NewPortfolioResponse(data)

	failed := 0
	for _, p := range data {
		if p.Failed() {
			failed++
		}
	}
	s.log.Info("portfolio aggregated",
		utils.UserID(userID),
		utils.Count("exchanges", resp.Metadata.ExchangeCount),
		utils.Count("failed", failed),
		utils.Count("assets", resp.Metadata.AssetCount),
		utils.ValueUSD(resp.Metadata.TotalValueUSD.String()),
		utils.Duration("duration_ms", time.Since(started).Milliseconds()),
	)
	return resp, nil
}

// collectSafe превращает ошибку и панику сборщика в запись с Error
func (s *PortfolioService) collectSafe(ctx context.Context, userID string, name exchange.Name, conn *models.ExchangeConnection) (entry models.ExchangePortfolio) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while collecting portfolio",
				utils.Exchange(string(name)),
				utils.String("panic", fmt.Sprint(r)),
			)
			entry = s.failedEntry(name, conn, &exchange.Error{
				Kind:     exchange.KindUnknown,
				Exchange: name,
				Message:  fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	if conn == nil {
		return s.failedEntry(name, nil, notConnected(name))
	}

	entry, err := s.collect(ctx, userID, conn)
	if err != nil {
		return s.failedEntry(name, conn, err)
	}
	return entry
}

// failedEntry - запись с ошибкой; conn nil, если подключения нет
func (s *PortfolioService) failedEntry(name exchange.Name, conn *models.ExchangeConnection, err error) models.ExchangePortfolio {
	classified := exchange.Classify(name, "fetching "+string(name)+" balances", err)
	metrics.RecordExchangeResult(string(name), classified.Kind.String())

	s.log.Warn("exchange portfolio failed",
		utils.Exchange(string(name)),
		utils.ErrorKind(classified.Kind.String()),
		utils.Err(err),
	)

	return models.ExchangePortfolio{
		Exchange:      name,
		DisplayName:   name.DisplayName(),
		Balances:      []models.AssetBalance{},
		ConnectedAt:   connectedAt(conn),
		TotalValueUSD: decimal.Zero,
		Error:         classified.Error(),
		ErrorKind:     classified.Kind.String(),
	}
}

// collect получает баланс биржи подключения conn и оценивает его в USD
func (s *PortfolioService) collect(ctx context.Context, userID string, conn *models.ExchangeConnection) (models.ExchangePortfolio, error) {
	name, mode := conn.Exchange, exchange.ModeFor(conn.IsTestnet)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	amounts, err := s.fetchBalances(ctx, userID, name, mode)
	if err != nil {
		return models.ExchangePortfolio{}, err
	}

	balances := s.value(ctx, name, amounts)
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.ValueOrZero())
	}

	metrics.RecordExchangeResult(string(name), "ok")
	return models.ExchangePortfolio{
		Exchange:      name,
		DisplayName:   name.DisplayName(),
		Balances:      balances,
		ConnectedAt:   connectedAt(conn),
		TotalValueUSD: total,
	}, nil
}

func (s *PortfolioService) fetchBalances(ctx context.Context, userID string, name exchange.Name, mode exchange.Mode) ([]exchange.AssetAmount, error) {
	key := exchange.CacheKey{UserID: userID, Exchange: name, Mode: mode}

	var amounts []exchange.AssetAmount
	err := s.clients.With(ctx, key, s.resolver.Source(userID, name), func(h *exchange.ClientHandle) error {
		raw, err := exchange.Call(ctx, s.policy(), name, "fetching "+string(name)+" balances",
			func(ctx context.Context) (*exchange.RawBalance, error) {
				return h.Transport().FetchBalance(ctx, exchange.BalanceParams{})
			})
		if err != nil {
			return err
		}
		amounts, err = exchange.NormalizeBalance(raw)
		return err
	})
	return amounts, err
}

// value оценивает балансы. Ошибка цены даёт Value = 0 только для этой валюты.
func (s *PortfolioService) value(ctx context.Context, name exchange.Name, amounts []exchange.AssetAmount) []models.AssetBalance {
	out := make([]models.AssetBalance, len(amounts))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, a := range amounts {
		g.Go(func() error {
			value := decimal.Zero
			price, err := s.prices.USDPrice(ctx, a.Currency)
			if err != nil {
				s.log.Warn("price lookup failed",
					utils.Exchange(string(name)),
					utils.Currency(a.Currency),
					utils.Err(err),
				)
			} else {
				value = a.Amount.Mul(price)
			}

			out[i] = models.AssetBalance{Currency: a.Currency, Amount: a.Amount, Value: &value}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (s *PortfolioService) policy() exchange.CallPolicy {
	p := s.cfg.Policy
	if p.Logger == nil {
		p.Logger = s.log
	}
	return p
}

// connectedAt - время подключения биржи из хранилища
func connectedAt(conn *models.ExchangeConnection) *time.Time {
	if conn == nil || conn.ConnectedAt.IsZero() {
		return nil
	}
	t := conn.ConnectedAt
	return &t
}

func notConnected(name exchange.Name) error {
	return &exchange.Error{
		Kind:     exchange.KindNotConnected,
		Exchange: name,
		Message:  "No connection found for " + name.DisplayName(),
		Err:      repository.ErrConnectionNotFound,
	}
}

// connection возвращает подключение; отсутствие - KindNotConnected
func (s *PortfolioService) connection(ctx context.Context, userID string, name exchange.Name) (*models.ExchangeConnection, error) {
	conn, err := s.store.GetConnection(ctx, userID, name)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, notConnected(name)
		}
		return nil, err
	}
	return conn, nil
}

// GetExchangeBalances возвращает портфель одной биржи.
// В отличие от сводного портфеля ошибка биржи возвращается как error.
func (s *PortfolioService) GetExchangeBalances(ctx context.Context, userID, rawName string) (*models.PortfolioResponse, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}
	name, err := exchange.ParseName(rawName)
	if err != nil {
		return nil, err
	}

	conn, err := s.connection(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	entry, err := s.collect(ctx, userID, conn)
	if err != nil {
		classified := exchange.Classify(name, "fetching "+string(name)+" balances", err)
		metrics.RecordExchangeResult(string(name), classified.Kind.String())
		return nil, classified
	}

	return models.NewPortfolioResponse([]models.ExchangePortfolio{entry}), nil
}

// GetAssetHoldings - количество и стоимость одной валюты по биржам.
// Биржи с ошибкой пропускаются.
func (s *PortfolioService) GetAssetHoldings(ctx context.Context, userID string, names []string, currency string) (*models.AssetHoldings, error) {
	currency = utils.NormalizeCurrency(currency)
	if err := utils.ValidateCurrency(currency); err != nil {
		return nil, err
	}

	resp, err := s.GetCompletePortfolio(ctx, userID, names)
	if err != nil {
		return nil, err
	}

	out := &models.AssetHoldings{
		Currency:      currency,
		TotalAmount:   decimal.Zero,
		TotalValueUSD: decimal.Zero,
		Holdings:      []models.AssetHolding{},
	}
	for _, p := range resp.Data {
		for _, b := range p.Balances {
			if b.Currency != currency {
				continue
			}
			h := models.AssetHolding{Exchange: p.Exchange, Amount: b.Amount, ValueUSD: b.ValueOrZero()}
			out.Holdings = append(out.Holdings, h)
			out.TotalAmount = out.TotalAmount.Add(h.Amount)
			out.TotalValueUSD = out.TotalValueUSD.Add(h.ValueUSD)
		}
	}

	return out, nil
}

// GetOpenOrders возвращает открытые ордера; symbol пустой - по всем рынкам
func (s *PortfolioService) GetOpenOrders(ctx context.Context, userID, rawName, symbol string) ([]exchange.Order, error) {
	if symbol != "" {
		symbol = utils.NormalizeSymbol(symbol)
		if err := utils.ValidateSymbol(symbol); err != nil {
			return nil, err
		}
	}

	var orders []exchange.Order
	err := s.withClient(ctx, userID, rawName, func(ctx context.Context, name exchange.Name, h *exchange.ClientHandle) error {
		fetcher, ok := h.Transport().(exchange.OrderFetcher)
		if !ok {
			return fmt.Errorf("%w: %s open orders", ErrOperationNotSupported, name.DisplayName())
		}

		raw, err := exchange.Call(ctx, s.policy(), name, "fetching "+string(name)+" open orders",
			func(ctx context.Context) ([]exchange.RawRecord, error) {
				return fetcher.FetchOpenOrders(ctx, symbol)
			})
		if err != nil {
			return err
		}

		orders = make([]exchange.Order, 0, len(raw))
		for _, rec := range raw {
			o, err := exchange.NormalizeOrder(rec)
			if err != nil {
				s.log.Warn("skipping order record", utils.Exchange(string(name)), utils.Err(err))
				continue
			}
			if o.SideInferred {
				metrics.RecordInferredSide(string(name), "order")
			}
			orders = append(orders, *o)
		}
		return nil
	})
	return orders, err
}

// GetPositions возвращает открытые деривативные позиции
func (s *PortfolioService) GetPositions(ctx context.Context, userID, rawName string) ([]exchange.Position, error) {
	var positions []exchange.Position
	err := s.withClient(ctx, userID, rawName, func(ctx context.Context, name exchange.Name, h *exchange.ClientHandle) error {
		fetcher, ok := h.Transport().(exchange.PositionFetcher)
		if !ok {
			return fmt.Errorf("%w: %s positions", ErrOperationNotSupported, name.DisplayName())
		}

		raw, err := exchange.Call(ctx, s.policy(), name, "fetching "+string(name)+" positions",
			func(ctx context.Context) ([]exchange.RawRecord, error) {
				return fetcher.FetchPositions(ctx)
			})
		if err != nil {
			return err
		}

		positions = make([]exchange.Position, 0, len(raw))
		for _, rec := range raw {
			p, err := exchange.NormalizePosition(rec)
			if err != nil {
				s.log.Warn("skipping position record", utils.Exchange(string(name)), utils.Err(err))
				continue
			}
			if p.SideInferred {
				metrics.RecordInferredSide(string(name), "position")
			}
			positions = append(positions, *p)
		}
		return nil
	})
	return positions, err
}

// withClient проверяет ввод, находит подключение и выполняет fn с клиентом из кеша
func (s *PortfolioService) withClient(ctx context.Context, userID, rawName string, fn func(context.Context, exchange.Name, *exchange.ClientHandle) error) error {
	if err := utils.ValidateUserID(userID); err != nil {
		return err
	}
	name, err := exchange.ParseName(rawName)
	if err != nil {
		return err
	}

	conn, err := s.connection(ctx, userID, name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	key := exchange.CacheKey{UserID: userID, Exchange: name, Mode: exchange.ModeFor(conn.IsTestnet)}
	return s.clients.With(ctx, key, s.resolver.Source(userID, name), func(h *exchange.ClientHandle) error {
		return fn(ctx, name, h)
	})
}
