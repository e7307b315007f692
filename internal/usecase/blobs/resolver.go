// Package blobs ведёт вложение по состояниям источника данных к
// итоговой публикуемой ссылке. Переходы только вперёд; повторный вызов
// для уже материализованного вложения не ходит в сеть.
package blobs

import (
	"context"
	"fmt"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/metrics"
)

// Resolver материализует вложения треда.
type Resolver struct {
	rehost domain.Rehoster
}

// NewResolver создаёт резолвер поверх сервиса перекладки блобов.
func NewResolver(rehost domain.Rehoster) *Resolver {
	return &Resolver{rehost: rehost}
}

// Materialize переводит вложение к состоянию remoteUnencrypted и
// возвращает итог: ссылку или идентификатор задачи обработки.
// Незавершённая задача опрашивается ровно один раз; если она ещё не
// готова, возвращается domain.ErrNotReady — решение о повторе за
// вызывающим.
func (r *Resolver) Materialize(ctx context.Context, blob *domain.ThreadBlob, keyJWK, postAsDid string, agent domain.RepoAgent) (domain.BlobOutcome, error) {
	switch src := blob.Source.(type) {
	case domain.RemoteUnencryptedSource:
		if src.Ref != nil {
			return domain.BlobOutcome{CID: src.Ref.Ref.Link}, nil
		}
		if src.PendingJobID == "" {
			return domain.BlobOutcome{}, &domain.ValidationError{Message: fmt.Sprintf("blob %s has neither ref nor job id", blob.ID)}
		}
		status, err := agent.GetVideoJobStatus(ctx, src.PendingJobID)
		if err != nil {
			return domain.BlobOutcome{}, fmt.Errorf("poll job %s: %w", src.PendingJobID, err)
		}
		if status.Blob == nil {
			return domain.BlobOutcome{}, fmt.Errorf("job %s: %w", src.PendingJobID, domain.ErrNotReady)
		}
		blob.Source = domain.RemoteUnencryptedSource{Did: postAsDid, Ref: status.Blob}
		return domain.BlobOutcome{CID: status.Blob.Ref.Link}, nil

	case domain.RemoteEncryptedSource:
		outcome, err := r.rehost.UploadBlob(ctx, keyJWK, src.Stored, postAsDid)
		if err != nil {
			metrics.BlobUploadErrorsTotal.Inc()
			return domain.BlobOutcome{}, fmt.Errorf("rehost blob %s: %w", blob.ID, err)
		}
		metrics.BlobUploadsTotal.Inc()
		if outcome.CID != "" {
			blob.Source = domain.RemoteUnencryptedSource{
				Did: postAsDid,
				Ref: &domain.BlobRef{
					Type:     "blob",
					Ref:      domain.BlobLink{Link: outcome.CID},
					MimeType: src.Stored.Meta.MimeType,
				},
			}
		} else {
			blob.Source = domain.RemoteUnencryptedSource{Did: postAsDid, PendingJobID: outcome.JobID}
		}
		return outcome, nil

	default:
		return domain.BlobOutcome{}, &domain.UnsupportedDataSourceError{Source: blob.Source}
	}
}
