package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool    *pgxpool.Pool
	windows domain.ScheduleWindows
}

var (
	_ domain.ThreadRefRepo = (*Postgres)(nil)
	_ domain.IdentityRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД с заданными окнами конвейера.
func NewPostgres(pool *pgxpool.Pool, windows domain.ScheduleWindows) *Postgres {
	return &Postgres{pool: pool, windows: windows}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const threadRefColumns = `
stored_thread_uri, stored_thread_key, stored_at, post_as_did,
prefetch_blob_cids, blob_decryption_map, lease_expires_at,
blobs_uploaded_at, scheduled_for, posted_at, first_post_uri`

func scanThreadRef(row pgx.Row) (domain.ThreadRef, error) {
	var (
		ref          domain.ThreadRef
		prefetchJSON []byte
		mapJSON      []byte
	)
	err := row.Scan(
		&ref.StoredThreadURI, &ref.StoredThreadKey, &ref.StoredAt, &ref.PostAsDid,
		&prefetchJSON, &mapJSON, &ref.LeaseExpiresAt,
		&ref.BlobsUploadedAt, &ref.ScheduledFor, &ref.PostedAt, &ref.FirstPostURI,
	)
	if err != nil {
		return domain.ThreadRef{}, err
	}
	if len(prefetchJSON) > 0 {
		if err := json.Unmarshal(prefetchJSON, &ref.PrefetchBlobCIDs); err != nil {
			return domain.ThreadRef{}, fmt.Errorf("decode prefetch cids: %w", err)
		}
	}
	ref.BlobDecryptionMap = map[string]*domain.BlobOutcome{}
	if len(mapJSON) > 0 {
		if err := json.Unmarshal(mapJSON, &ref.BlobDecryptionMap); err != nil {
			return domain.ThreadRef{}, fmt.Errorf("decode blob decryption map: %w", err)
		}
	}
	return ref, nil
}

func (p *Postgres) claim(ctx context.Context, operation, query string, args ...any) ([]domain.ThreadRef, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "thread_refs", start, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer rows.Close()

	var claimed []domain.ThreadRef
	for rows.Next() {
		ref, err := scanThreadRef(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", operation, err)
		}
		claimed = append(claimed, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return claimed, nil
}

// ClaimBlobUploads реализует domain.ThreadRefRepo. Захват — одно
// условное обновление: конкурирующие воркеры не получат одну строку
// дважды.
func (p *Postgres) ClaimBlobUploads(ctx context.Context, now time.Time) ([]domain.ThreadRef, error) {
	return p.claim(ctx, "claim_blob_uploads", `
UPDATE thread_refs SET lease_expires_at = $2
WHERE posted_at IS NULL
  AND blobs_uploaded_at IS NULL
  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
  AND scheduled_for IS NOT NULL
  AND scheduled_for <= $3
RETURNING `+threadRefColumns,
		now, now.Add(p.windows.UploadLease), now.Add(p.windows.UploadLeadTime))
}

// ClaimPublishes реализует domain.ThreadRefRepo. Строки старше окна
// допустимой задержки не выбираются и остаются неопубликованными.
func (p *Postgres) ClaimPublishes(ctx context.Context, now time.Time) ([]domain.ThreadRef, error) {
	return p.claim(ctx, "claim_publishes", `
UPDATE thread_refs SET lease_expires_at = $2
WHERE posted_at IS NULL
  AND blobs_uploaded_at IS NOT NULL
  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
  AND scheduled_for IS NOT NULL
  AND scheduled_for <= $1
  AND scheduled_for >= $3
RETURNING `+threadRefColumns,
		now, now.Add(p.windows.PublishLease), now.Add(-p.windows.MaxPostDelay))
}

// UpdateBlobDecryptionMap реализует domain.ThreadRefRepo.
func (p *Postgres) UpdateBlobDecryptionMap(ctx context.Context, uri string, m map[string]*domain.BlobOutcome, allUploaded bool, now time.Time) error {
	payload, err := domain.MarshalBlobDecryptionMap(m)
	if err != nil {
		return fmt.Errorf("encode blob decryption map: %w", err)
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE thread_refs SET
  blob_decryption_map = $2,
  lease_expires_at = NULL,
  blobs_uploaded_at = CASE WHEN $3 THEN $4 ELSE blobs_uploaded_at END
WHERE stored_thread_uri = $1
`, uri, payload, allUploaded, now)
	metrics.ObserveNetworkRequest("postgres", "update_blob_map", "thread_refs", start, err)
	if err != nil {
		return fmt.Errorf("update blob decryption map: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkPublished реализует domain.ThreadRefRepo. Условие posted_at IS NULL
// гарантирует, что переход выполнит ровно одна из гоняющихся попыток.
func (p *Postgres) MarkPublished(ctx context.Context, uri, firstPostURI string, now time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE thread_refs SET posted_at = $3, first_post_uri = $2, lease_expires_at = NULL
WHERE stored_thread_uri = $1 AND posted_at IS NULL
`, uri, firstPostURI, now)
	metrics.ObserveNetworkRequest("postgres", "mark_published", "thread_refs", start, err)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearLease реализует domain.ThreadRefRepo.
func (p *Postgres) ClearLease(ctx context.Context, uri string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE thread_refs SET lease_expires_at = NULL WHERE stored_thread_uri = $1
`, uri)
	metrics.ObserveNetworkRequest("postgres", "clear_lease", "thread_refs", start, err)
	if err != nil {
		return fmt.Errorf("clear lease: %w", err)
	}
	return nil
}

// InsertThreadRef сохраняет новую строку задания. Используется внешним
// контуром редактирования черновиков.
func (p *Postgres) InsertThreadRef(ctx context.Context, ref domain.ThreadRef) error {
	prefetch, err := json.Marshal(ref.PrefetchBlobCIDs)
	if err != nil {
		return fmt.Errorf("encode prefetch cids: %w", err)
	}
	decryptionMap, err := domain.MarshalBlobDecryptionMap(ref.BlobDecryptionMap)
	if err != nil {
		return fmt.Errorf("encode blob decryption map: %w", err)
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO thread_refs (
  stored_thread_uri, stored_thread_key, post_as_did,
  prefetch_blob_cids, blob_decryption_map, scheduled_for
) VALUES ($1, $2, $3, $4, $5, $6)
`, ref.StoredThreadURI, ref.StoredThreadKey, ref.PostAsDid, prefetch, decryptionMap, ref.ScheduledFor)
	metrics.ObserveNetworkRequest("postgres", "insert_thread_ref", "thread_refs", start, err)
	if err != nil {
		return fmt.Errorf("insert thread ref: %w", err)
	}
	return nil
}

// GetIdentity реализует domain.IdentityRepo.
func (p *Postgres) GetIdentity(ctx context.Context, did string) (domain.OwnerIdentity, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var identity domain.OwnerIdentity
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT did, service_url, access_jwt, refresh_jwt, created_at
FROM owner_identities WHERE did = $1
`, did).Scan(&identity.Did, &identity.ServiceURL, &identity.AccessJWT, &identity.RefreshJWT, &identity.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "get_identity", "owner_identities", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OwnerIdentity{}, domain.ErrNotAuthenticated
	}
	if err != nil {
		return domain.OwnerIdentity{}, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

// UpsertIdentity сохраняет материал сессии учётной записи. Вызывается
// внешним контуром входа после обновления токенов.
func (p *Postgres) UpsertIdentity(ctx context.Context, identity domain.OwnerIdentity) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO owner_identities (did, service_url, access_jwt, refresh_jwt)
VALUES ($1, $2, $3, $4)
ON CONFLICT (did) DO UPDATE SET
  service_url = EXCLUDED.service_url,
  access_jwt = EXCLUDED.access_jwt,
  refresh_jwt = EXCLUDED.refresh_jwt
`, identity.Did, identity.ServiceURL, identity.AccessJWT, identity.RefreshJWT)
	metrics.ObserveNetworkRequest("postgres", "upsert_identity", "owner_identities", start, err)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}
