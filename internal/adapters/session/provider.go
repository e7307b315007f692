package session

import (
	"context"
	"fmt"
	"time"

	"bsky-scheduler/internal/adapters/atrepo"
	"bsky-scheduler/internal/domain"
)

// Provider восстанавливает сессии учётных записей из реляционного
// хранилища. Явная зависимость конвейера и хранилища тредов; общего
// глобального клиента нет.
type Provider struct {
	identities domain.IdentityRepo
	timeout    time.Duration
}

var _ domain.SessionProvider = (*Provider)(nil)

// NewProvider создаёт провайдер сессий.
func NewProvider(identities domain.IdentityRepo, timeout time.Duration) *Provider {
	return &Provider{identities: identities, timeout: timeout}
}

// Restore возвращает агента, действующего от имени учётной записи.
func (p *Provider) Restore(ctx context.Context, did string) (domain.RepoAgent, error) {
	identity, err := p.identities.GetIdentity(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("restore session for %s: %w", did, err)
	}
	client := atrepo.NewClient(atrepo.Config{ServiceURL: identity.ServiceURL, Timeout: p.timeout})
	return client.WithSession(identity.Did, identity.AccessJWT), nil
}
