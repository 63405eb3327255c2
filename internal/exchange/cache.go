package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"portfolio/internal/metrics"
	"portfolio/pkg/ratelimit"
	"portfolio/pkg/utils"
)

const (
	DefaultIdleTTL       = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultBuildTimeout  = 20 * time.Second
)

// CacheKey - ключ клиента: пользователь, биржа, режим сети
type CacheKey struct {
	UserID   string
	Exchange Name
	Mode     Mode
}

func (k CacheKey) String() string {
	return k.UserID + "-" + string(k.Exchange) + "-" + string(k.Mode)
}

// CredentialSource отдаёт ключи для построения клиента.
// Вызывается только при промахе кеша.
type CredentialSource func(ctx context.Context) (Credentials, error)

// ClientHandle - живой клиент биржи в кеше
type ClientHandle struct {
	key       CacheKey
	transport Transport
	lastUsed  atomic.Int64
	active    atomic.Int32
}

func newClientHandle(key CacheKey, t Transport, now time.Time) *ClientHandle {
	h := &ClientHandle{key: key, transport: t}
	h.touch(now)
	return h
}

func (h *ClientHandle) Key() CacheKey        { return h.key }
func (h *ClientHandle) Transport() Transport { return h.transport }
func (h *ClientHandle) LastUsed() time.Time  { return time.Unix(0, h.lastUsed.Load()) }
func (h *ClientHandle) touch(now time.Time)  { h.lastUsed.Store(now.UnixNano()) }
func (h *ClientHandle) inUse() bool          { return h.active.Load() > 0 }

// CacheConfig - параметры кеша клиентов
type CacheConfig struct {
	// IdleTTL - клиент без обращений дольше этого срока удаляется
	IdleTTL time.Duration
	// SweepInterval - период фоновой очистки
	SweepInterval time.Duration
	// BuildTimeout ограничивает получение ключей и создание клиента
	BuildTimeout time.Duration

	// Параметры создаваемых транспортов
	RequestTimeout time.Duration
	RateLimit      bool
	Limiters       *ratelimit.Registry

	// Factory создаёт транспорт; nil - NewTransport
	Factory Factory
}

// DefaultCacheConfig - 5 минут простоя, очистка раз в минуту
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		IdleTTL:        DefaultIdleTTL,
		SweepInterval:  DefaultSweepInterval,
		BuildTimeout:   DefaultBuildTimeout,
		RequestTimeout: DefaultTimeout,
		RateLimit:      true,
	}
}

// ClientCache хранит не более одного клиента на CacheKey.
//
// Промахи по одному ключу схлопываются через singleflight, разные ключи
// строятся параллельно. Invalidate во время построения не даёт
// установить устаревший клиент: счётчики поколений сверяются перед записью.
// Удалённый клиент не закрывается - вызовы, которые его держат, дорабатывают.
type ClientCache struct {
	cfg     CacheConfig
	factory Factory
	log     *utils.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[CacheKey]*ClientHandle
	// поколения живут только пока по ключу (пользователю) идёт построение
	keyGen     map[CacheKey]uint64
	userGen    map[string]uint64
	keyBuilds  map[CacheKey]int
	userBuilds map[string]int

	group singleflight.Group

	lifecycle sync.Mutex
	scheduler *cron.Cron
}

func NewClientCache(cfg CacheConfig, log *utils.Logger) *ClientCache {
	def := DefaultCacheConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	factory := cfg.Factory
	if factory == nil {
		factory = NewTransport
	}
	if log == nil {
		log = utils.L()
	}

	return &ClientCache{
		cfg:        cfg,
		factory:    factory,
		log:        log.WithComponent("client_cache"),
		now:        time.Now,
		entries:    make(map[CacheKey]*ClientHandle),
		keyGen:     make(map[CacheKey]uint64),
		userGen:    make(map[string]uint64),
		keyBuilds:  make(map[CacheKey]int),
		userBuilds: make(map[string]int),
	}
}

type generation struct {
	key, user uint64
}

func (c *ClientCache) generationLocked(key CacheKey) generation {
	return generation{key: c.keyGen[key], user: c.userGen[key.UserID]}
}

// beginBuildLocked отмечает построение и возвращает текущее поколение ключа
func (c *ClientCache) beginBuildLocked(key CacheKey) generation {
	c.keyBuilds[key]++
	c.userBuilds[key.UserID]++
	return c.generationLocked(key)
}

// endBuildLocked снимает отметку; без построений поколения не нужны
func (c *ClientCache) endBuildLocked(key CacheKey) {
	if c.keyBuilds[key]--; c.keyBuilds[key] <= 0 {
		delete(c.keyBuilds, key)
		delete(c.keyGen, key)
	}
	if c.userBuilds[key.UserID]--; c.userBuilds[key.UserID] <= 0 {
		delete(c.userBuilds, key.UserID)
		delete(c.userGen, key.UserID)
	}
}

// Acquire возвращает клиент по ключу, создавая его при промахе.
// Повторный Acquire в пределах IdleTTL возвращает тот же *ClientHandle.
func (c *ClientCache) Acquire(ctx context.Context, key CacheKey, source CredentialSource) (*ClientHandle, error) {
	if _, err := Lookup(key.Exchange); err != nil {
		return nil, err
	}
	if key.Mode == "" {
		key.Mode = ModeLive
	}

	if h := c.lookup(key); h != nil {
		metrics.RecordCacheEvent("hit", 1)
		return h, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.build(ctx, key, source)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metrics.RecordCacheEvent("shared", 1)
		}
		h := res.Val.(*ClientHandle)
		h.touch(c.now())
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// With выполняет fn с клиентом. Пока fn работает, очистка клиент не удаляет.
func (c *ClientCache) With(ctx context.Context, key CacheKey, source CredentialSource, fn func(*ClientHandle) error) error {
	h, err := c.Acquire(ctx, key, source)
	if err != nil {
		return err
	}

	h.active.Add(1)
	defer func() {
		h.touch(c.now())
		h.active.Add(-1)
	}()

	return fn(h)
}

func (c *ClientCache) lookup(key CacheKey) *ClientHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.entries[key]
	if !ok {
		return nil
	}
	h.touch(c.now())
	return h
}

// build создаёт клиент. Контекст отвязан от отмены первого вызывающего:
// его результат нужен и остальным ожидающим.
func (c *ClientCache) build(ctx context.Context, key CacheKey, source CredentialSource) (*ClientHandle, error) {
	c.mu.Lock()
	if h, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return h, nil
	}
	gen := c.beginBuildLocked(key)
	c.mu.Unlock()

	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.BuildTimeout)
	defer cancel()

	h, err := c.construct(buildCtx, key, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.generationLocked(key) != gen
	c.endBuildLocked(key)

	if err != nil {
		return nil, err
	}
	if stale {
		// ключ инвалидирован во время построения: клиент отдаётся
		// ожидающим, но в кеш не попадает
		metrics.RecordCacheEvent("stale", 1)
		return h, nil
	}

	c.entries[key] = h
	metrics.RecordCacheEvent("miss", 1)
	metrics.SetCacheSize(len(c.entries))

	c.log.Debug("exchange client created",
		utils.CacheKey(key.String()),
		utils.Exchange(string(key.Exchange)),
		utils.Mode(string(key.Mode)),
	)
	return h, nil
}

func (c *ClientCache) construct(ctx context.Context, key CacheKey, source CredentialSource) (*ClientHandle, error) {
	creds, err := source(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := c.factory(key.Exchange, Config{
		Credentials: creds,
		Mode:        key.Mode,
		RateLimit:   c.cfg.RateLimit,
		Timeout:     c.cfg.RequestTimeout,
		Limiters:    c.cfg.Limiters,
	})
	if err != nil {
		return nil, err
	}
	return newClientHandle(key, transport, c.now()), nil
}

// Invalidate удаляет клиенты пользователя для биржи в обоих режимах
func (c *ClientCache) Invalidate(userID string, name Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, mode := range []Mode{ModeLive, ModeTest} {
		key := CacheKey{UserID: userID, Exchange: name, Mode: mode}
		if c.keyBuilds[key] > 0 {
			c.keyGen[key]++
		}
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			removed++
		}
	}

	c.afterRemoveLocked("invalidate", removed)
	return removed
}

// InvalidateAll удаляет все клиенты пользователя
func (c *ClientCache) InvalidateAll(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userBuilds[userID] > 0 {
		c.userGen[userID]++
	}

	removed := 0
	for key := range c.entries {
		if key.UserID == userID {
			delete(c.entries, key)
			removed++
		}
	}

	c.afterRemoveLocked("invalidate", removed)
	return removed
}

// Sweep удаляет клиенты, не использовавшиеся дольше IdleTTL.
// Клиенты, занятые в With, пропускаются.
func (c *ClientCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, h := range c.entries {
		if h.inUse() {
			continue
		}
		if now.Sub(h.LastUsed()) > c.cfg.IdleTTL {
			delete(c.entries, key)
			removed++
		}
	}

	c.afterRemoveLocked("evict", removed)
	return removed
}

func (c *ClientCache) afterRemoveLocked(event string, removed int) {
	if removed == 0 {
		return
	}
	metrics.RecordCacheEvent(event, removed)
	metrics.SetCacheSize(len(c.entries))
	c.log.Debug("exchange clients removed",
		utils.String("reason", event),
		utils.Count("removed", removed),
		utils.Count("remaining", len(c.entries)),
	)
}

// Len - количество клиентов в кеше
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start запускает фоновую очистку. Повторный вызов ничего не делает.
func (c *ClientCache) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.scheduler != nil {
		return nil
	}

	scheduler := cron.New()
	schedule := fmt.Sprintf("@every %s", c.cfg.SweepInterval)
	if _, err := scheduler.AddFunc(schedule, func() { c.Sweep(c.now()) }); err != nil {
		return fmt.Errorf("schedule client sweep: %w", err)
	}
	scheduler.Start()
	c.scheduler = scheduler

	c.log.Info("client cache started",
		utils.Duration("idle_ttl_ms", c.cfg.IdleTTL.Milliseconds()),
		utils.Duration("sweep_interval_ms", c.cfg.SweepInterval.Milliseconds()),
	)
	return nil
}

// Stop останавливает очистку, дожидается текущего прохода и закрывает клиенты
func (c *ClientCache) Stop() {
	c.lifecycle.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.lifecycle.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	c.mu.Lock()
	handles := make([]*ClientHandle, 0, len(c.entries))
	for key, h := range c.entries {
		handles = append(handles, h)
		delete(c.entries, key)
	}
	metrics.SetCacheSize(0)
	c.mu.Unlock()

	for _, h := range handles {
		if err := h.transport.Close(); err != nil {
			c.log.Warn("close exchange client", utils.CacheKey(h.key.String()), utils.Err(err))
		}
	}
	c.log.Info("client cache stopped", utils.Count("closed", len(handles)))
}
