package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
)

// Ошибки репозитория подключений
var (
	ErrConnectionNotFound = errors.New("exchange connection not found")
)

// ExchangeRepository - работа с таблицей exchange_connections.
// Ключи приходят и уходят уже зашифрованными.
type ExchangeRepository struct {
	db *sql.DB
}

// NewExchangeRepository создает новый экземпляр репозитория
func NewExchangeRepository(db *sql.DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

const connectionColumns = `id, user_id, exchange, api_key, api_secret, passphrase, is_testnet, connected_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*models.ExchangeConnection, error) {
	conn := &models.ExchangeConnection{}
	var passphrase sql.NullString

	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Exchange,
		&conn.APIKey,
		&conn.APISecret,
		&passphrase,
		&conn.IsTestnet,
		&conn.ConnectedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Passphrase = passphrase.String
	return conn, nil
}

// GetConnection возвращает подключение пользователя к бирже
func (r *ExchangeRepository) GetConnection(ctx context.Context, userID string, name exchange.Name) (*models.ExchangeConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM exchange_connections
		WHERE user_id = $1 AND exchange = $2`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, userID, string(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}

	return conn, nil
}

// UpsertConnection создаёт подключение или заменяет ключи существующего.
// connected_at при замене ключей обновляется.
func (r *ExchangeRepository) UpsertConnection(ctx context.Context, conn *models.ExchangeConnection) error {
	query := `
		INSERT INTO exchange_connections
			(user_id, exchange, api_key, api_secret, passphrase, is_testnet, connected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			api_secret = EXCLUDED.api_secret,
			passphrase = EXCLUDED.passphrase,
			is_testnet = EXCLUDED.is_testnet,
			connected_at = EXCLUDED.connected_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	now := time.Now()

	var passphrase sql.NullString
	if conn.Passphrase != "" {
		passphrase = sql.NullString{String: conn.Passphrase, Valid: true}
	}

	err := r.db.QueryRowContext(ctx, query,
		conn.UserID,
		string(conn.Exchange),
		conn.APIKey,
		conn.APISecret,
		passphrase,
		conn.IsTestnet,
		now,
	).Scan(&conn.ID)
	if err != nil {
		return err
	}

	conn.ConnectedAt = now
	conn.UpdatedAt = now
	return nil
}

// ListConnections возвращает подключения пользователя.
// Пустой names - все подключения.
func (r *ExchangeRepository) ListConnections(ctx context.Context, userID string, names []exchange.Name) ([]*models.ExchangeConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM exchange_connections
		WHERE user_id = $1`
	args := []any{userID}

	if len(names) > 0 {
		filter := make([]string, len(names))
		for i, n := range names {
			filter[i] = string(n)
		}
		query += ` AND exchange = ANY($2)`
		args = append(args, pq.Array(filter))
	}
	query += ` ORDER BY connected_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.ExchangeConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return conns, nil
}

// DeleteConnection удаляет подключение
func (r *ExchangeRepository) DeleteConnection(ctx context.Context, userID string, name exchange.Name) error {
	query := `DELETE FROM exchange_connections WHERE user_id = $1 AND exchange = $2`

	result, err := r.db.ExecContext(ctx, query, userID, string(name))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConnectionNotFound
	}

	return nil
}
