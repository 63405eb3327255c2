package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"portfolio/internal/exchange"
	"portfolio/internal/metrics"
	"portfolio/pkg/ratelimit"
	"portfolio/pkg/utils"
)

var ErrNoPrice = errors.New("no price available")

// usdStablecoins оцениваются в 1 USD без запроса к бирже
var usdStablecoins = map[string]struct{}{
	"USD":   {},
	"USDT":  {},
	"USDC":  {},
	"BUSD":  {},
	"DAI":   {},
	"TUSD":  {},
	"USDP":  {},
	"FDUSD": {},
}

// PricerConfig - параметры оценки активов
type PricerConfig struct {
	// Venue - биржа, с которой берутся цены
	Venue exchange.Name
	// Quote - котируемая валюта пары CURRENCY/Quote
	Quote string
	// TTL - время жизни цены в кеше
	TTL time.Duration
	// MaxSize - максимум валют в кеше
	MaxSize int64
	// Timeout ограничивает один запрос цены вместе с повторами
	Timeout time.Duration
	Policy  exchange.CallPolicy
}

// DefaultPricerConfig - цены CURRENCY/USDT с Binance, кеш 30s
func DefaultPricerConfig() PricerConfig {
	return PricerConfig{
		Venue:   exchange.Binance,
		Quote:   "USDT",
		TTL:     30 * time.Second,
		MaxSize: 1000,
		Timeout: 20 * time.Second,
		Policy:  exchange.DefaultCallPolicy(),
	}
}

// TickerPricer оценивает валюты по последней цене тикера CURRENCY/USDT
// на бирже цен. Используется публичный клиент без ключей.
type TickerPricer struct {
	cfg       PricerConfig
	transport exchange.Transport
	cache     *ccache.Cache
	group     singleflight.Group
	log       *utils.Logger
}

// NewTickerPricer создаёт оценщик. factory nil - exchange.NewTransport.
func NewTickerPricer(cfg PricerConfig, factory exchange.Factory, limiters *ratelimit.Registry, log *utils.Logger) (*TickerPricer, error) {
	def := DefaultPricerConfig()
	if cfg.Venue == "" {
		cfg.Venue = def.Venue
	}
	if cfg.Quote == "" {
		cfg.Quote = def.Quote
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.Quote = utils.NormalizeCurrency(cfg.Quote)

	if factory == nil {
		factory = exchange.NewTransport
	}
	if log == nil {
		log = utils.L()
	}

	transport, err := factory(cfg.Venue, exchange.Config{
		Mode:      exchange.ModeLive,
		RateLimit: true,
		Limiters:  limiters,
	})
	if err != nil {
		return nil, fmt.Errorf("create pricing client for %s: %w", cfg.Venue, err)
	}

	return &TickerPricer{
		cfg:       cfg,
		transport: transport,
		cache:     ccache.New(ccache.Configure().MaxSize(cfg.MaxSize).ItemsToPrune(uint32(cfg.MaxSize/10 + 1))),
		log:       log.WithComponent("pricer"),
	}, nil
}

// USDPrice возвращает цену валюты в USD.
// Одновременные запросы одной валюты выполняются одним вызовом биржи.
func (p *TickerPricer) USDPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = utils.NormalizeCurrency(currency)
	if err := utils.ValidateCurrency(currency); err != nil {
		return decimal.Zero, err
	}

	if _, ok := usdStablecoins[currency]; ok || currency == p.cfg.Quote {
		metrics.RecordPriceLookup("stable")
		return decimal.NewFromInt(1), nil
	}

	if item := p.cache.Get(currency); item != nil && !item.Expired() {
		metrics.RecordPriceLookup("cache_hit")
		return item.Value().(decimal.Decimal), nil
	}

	ch := p.group.DoChan(currency, func() (any, error) {
		return p.fetch(context.WithoutCancel(ctx), currency)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func (p *TickerPricer) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	symbol := currency + "/" + p.cfg.Quote
	raw, err := exchange.Call(ctx, p.cfg.Policy, p.cfg.Venue, "fetching "+symbol+" ticker",
		func(ctx context.Context) (exchange.RawRecord, error) {
			return p.transport.FetchTicker(ctx, symbol)
		})
	if err != nil {
		metrics.RecordPriceLookup("failed")
		return decimal.Zero, err
	}

	ticker, err := exchange.NormalizeTicker(raw)
	if err != nil {
		metrics.RecordPriceLookup("failed")
		return decimal.Zero, err
	}
	if ticker.Last <= 0 {
		metrics.RecordPriceLookup("failed")
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	price := decimal.NewFromFloat(ticker.Last)
	p.cache.Set(currency, price, p.cfg.TTL)
	metrics.RecordPriceLookup("fetched")

	p.log.Debug("price fetched", utils.Currency(currency), utils.Price(ticker.Last))
	return price, nil
}

// Close останавливает кеш и закрывает клиент биржи цен
func (p *TickerPricer) Close() error {
	p.cache.Stop()
	return p.transport.Close()
}
