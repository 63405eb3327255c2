package service

import (
	"context"
	"errors"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/repository"
)

// CredentialResolver достаёт ключи пользователя для биржи.
//
// Ключи в хранилище всегда зашифрованы, ключи из override (онбординг)
// всегда открытые. Формат значения не анализируется.
type CredentialResolver struct {
	store     ConnectionStore
	encrypter Encrypter
}

// NewCredentialResolver создает новый экземпляр
func NewCredentialResolver(store ConnectionStore, encrypter Encrypter) *CredentialResolver {
	return &CredentialResolver{store: store, encrypter: encrypter}
}

// Resolve возвращает ключи: override как есть, иначе из хранилища.
// Нет записи - KindNotConnected, ошибка расшифровки любого поля - KindDecryptionFailed.
func (r *CredentialResolver) Resolve(ctx context.Context, userID string, name exchange.Name, override *exchange.Credentials) (exchange.Credentials, error) {
	if override != nil {
		return *override, nil
	}

	conn, err := r.store.GetConnection(ctx, userID, name)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return exchange.Credentials{}, &exchange.Error{
				Kind:     exchange.KindNotConnected,
				Exchange: name,
				Message:  "No connection found for " + name.DisplayName(),
				Err:      err,
			}
		}
		return exchange.Credentials{}, err
	}

	return r.Decrypt(conn)
}

// Decrypt расшифровывает ключи сохранённого подключения.
// При ошибке частично расшифрованные значения не возвращаются.
func (r *CredentialResolver) Decrypt(conn *models.ExchangeConnection) (exchange.Credentials, error) {
	fail := func(err error) (exchange.Credentials, error) {
		return exchange.Credentials{}, &exchange.Error{
			Kind:     exchange.KindDecryptionFailed,
			Exchange: conn.Exchange,
			Err:      err,
		}
	}

	apiKey, err := r.encrypter.Decrypt(conn.APIKey)
	if err != nil {
		return fail(err)
	}
	secret, err := r.encrypter.Decrypt(conn.APISecret)
	if err != nil {
		return fail(err)
	}

	var passphrase string
	if conn.Passphrase != "" {
		if passphrase, err = r.encrypter.Decrypt(conn.Passphrase); err != nil {
			return fail(err)
		}
	}

	return exchange.Credentials{APIKey: apiKey, Secret: secret, Passphrase: passphrase}, nil
}

// Source - источник ключей для кеша клиентов: хранилище вызывается только при промахе
func (r *CredentialResolver) Source(userID string, name exchange.Name) exchange.CredentialSource {
	return func(ctx context.Context) (exchange.Credentials, error) {
		return r.Resolve(ctx, userID, name, nil)
	}
}
