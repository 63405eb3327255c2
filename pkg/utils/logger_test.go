package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observed возвращает логгер, пишущий в память
func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	z := zap.New(core)
	return &Logger{Logger: z, sugar: z.Sugar()}, logs
}

// withGlobal подменяет глобальный логгер на время теста
func withGlobal(t *testing.T, l *Logger) {
	t.Helper()
	globalMu.RLock()
	prev := globalLogger
	globalMu.RUnlock()
	SetGlobalLogger(l)
	t.Cleanup(func() { SetGlobalLogger(prev) })
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestInitLogger_FileOutput(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		contains []string
	}{
		{"json", "json", []string{`"msg":"balance fetched"`, `"exchange":"okx"`, `"ts":`, `"level":"info"`}},
		{"текст", "text", []string{"INFO", "balance fetched", `"exchange": "okx"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "app.log")
			l := InitLogger(LogConfig{Level: "info", Format: tt.format, Output: path})

			l.Info("balance fetched", Exchange("okx"))
			_ = l.Sync()

			out := readLog(t, path)
			for _, want := range tt.contains {
				if !strings.Contains(out, want) {
					t.Errorf("лог не содержит %q: %s", want, out)
				}
			}
		})
	}
}

func TestInitLogger_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l := InitLogger(LogConfig{Level: "warn", Format: "json", Output: path})

	l.Info("hidden")
	l.Warn("visible")
	_ = l.Sync()

	out := readLog(t, path)
	if strings.Contains(out, "hidden") {
		t.Error("info ниже уровня warn не должен попадать в лог")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn должен попадать в лог")
	}
}

func TestInitLogger_UnwritableOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "app.log")

	l := InitLogger(LogConfig{Output: path, Development: true})
	if l == nil {
		t.Fatal("логгер должен создаваться даже при ошибке открытия файла")
	}
	l.Debug("goes to stderr")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGlobalLogger(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)
	withGlobal(t, l)

	if L() != l || GetGlobalLogger() != l {
		t.Fatal("L должен возвращать установленный логгер")
	}

	Debug("d")
	Info("i", Currency("BTC"))
	Warnf("retry %d", 2)
	Errorf("failed: %s", "timeout")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("ожидалось 4 записи, получено %d", len(entries))
	}
	if entries[2].Message != "retry 2" || entries[3].Level != zapcore.ErrorLevel {
		t.Errorf("неожиданные записи: %+v", entries)
	}
	if entries[1].ContextMap()["currency"] != "BTC" {
		t.Errorf("поле currency потеряно: %v", entries[1].ContextMap())
	}
}

func TestInitGlobalLogger(t *testing.T) {
	withGlobal(t, NewNopLogger())

	l := InitGlobalLogger(LogConfig{Level: "error", Output: filepath.Join(t.TempDir(), "g.log")})
	if L() != l {
		t.Error("InitGlobalLogger должен заменить глобальный логгер")
	}
}

func TestLogger_DomainChildren(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	l.WithComponent("aggregator").
		WithExchange("kraken").
		WithUser("u-1").
		WithCurrency("ETH").
		Info("holding priced")

	l.Info("parent")

	entries := logs.All()
	ctx := entries[0].ContextMap()
	want := map[string]string{
		"component": "aggregator",
		"exchange":  "kraken",
		"user_id":   "u-1",
		"currency":  "ETH",
	}
	for k, v := range want {
		if ctx[k] != v {
			t.Errorf("%s = %v, want %s", k, ctx[k], v)
		}
	}
	if len(entries[1].Context) != 0 {
		t.Errorf("дочерние поля не должны попадать в родителя: %v", entries[1].ContextMap())
	}
}

func TestFieldConstructors(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	l.Info("fields",
		Symbol("BTC/USDT"),
		Mode("spot"),
		CacheKey("u:binance"),
		ErrorKind("rate_limited"),
		Operation("fetch balance"),
		Attempt(2),
		Amount("0.5"),
		ValueUSD("31000"),
		Count("holdings", 3),
		RequestID("req-1"),
		Latency(12.5),
		Price(62000),
		Side("buy"),
		Status(429),
		Method("GET"),
		Path("/health"),
		Remote("10.0.0.1"),
		Duration("elapsed_ms", 40),
		Bool("testnet", true),
		Int64("ts", 7),
		Float64("ratio", 0.25),
	)

	ctx := logs.All()[0].ContextMap()
	checks := map[string]interface{}{
		"symbol":     "BTC/USDT",
		"mode":       "spot",
		"cache_key":  "u:binance",
		"error_kind": "rate_limited",
		"operation":  "fetch balance",
		"attempt":    int64(2),
		"amount":     "0.5",
		"value_usd":  "31000",
		"holdings":   int64(3),
		"request_id": "req-1",
		"latency_ms": 12.5,
		"price":      float64(62000),
		"side":       "buy",
		"status":     int64(429),
		"method":     "GET",
		"path":       "/health",
		"remote":     "10.0.0.1",
		"elapsed_ms": int64(40),
		"testnet":    true,
		"ts":         int64(7),
		"ratio":      0.25,
	}
	for k, want := range checks {
		if ctx[k] != want {
			t.Errorf("%s = %v (%T), want %v (%T)", k, ctx[k], ctx[k], want, want)
		}
	}
}

func TestLogger_Infow(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	l.Infow("sugared", String("exchange", "bybit"), Int("count", 4))

	ctx := logs.All()[0].ContextMap()
	if ctx["exchange"] != "bybit" || ctx["count"] != int64(4) {
		t.Errorf("Infow потерял поля: %v", ctx)
	}
	if l.Sugar() == nil {
		t.Error("Sugar не должен быть nil")
	}
}

func TestFieldsToInterface(t *testing.T) {
	got := fieldsToInterface([]zap.Field{String("a", "x"), Int("b", 1)})

	if len(got) != 4 || got[0] != "a" || got[1] != "x" || got[2] != "b" || got[3] != int64(1) {
		t.Errorf("fieldsToInterface = %v", got)
	}
}

func BenchmarkLogger_WithExchange(b *testing.B) {
	l := NewNopLogger()
	for i := 0; i < b.N; i++ {
		l.WithExchange("kucoin").Info("tick", Attempt(i))
	}
}
