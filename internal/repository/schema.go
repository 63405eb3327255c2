package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema - таблицы сервиса; все операторы идемпотентны
var schema = []string{
	`CREATE TABLE IF NOT EXISTS exchange_connections (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		exchange VARCHAR(20) NOT NULL,
		api_key TEXT NOT NULL,
		api_secret TEXT NOT NULL,
		passphrase TEXT,
		is_testnet BOOLEAN NOT NULL DEFAULT false,
		connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, exchange)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exchange_connections_user ON exchange_connections (user_id)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		user_id UUID PRIMARY KEY,
		onboarded BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate создаёт таблицы, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
