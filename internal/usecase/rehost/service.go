// Package rehost переносит зашифрованные вложения в целевой репозиторий:
// скачивает запечатанные байты, расшифровывает их переданным ключом и
// выгружает открытый текст от имени публикующей учётной записи.
// Ключ приходит от вызывающего открытым текстом — сервер сознательно
// допущен к содержимому, шифрование защищает его только от посторонних.
package rehost

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/cryptobox"
)

// Request — параметры перекладки одного блоба.
type Request struct {
	StoredThreadKey string `json:"storedThreadKey"`
	BlobCid         string `json:"blobCid"`
	BlobDid         string `json:"blobDid"`
	BlobMimeType    string `json:"blobMimeType"`
	PostAsDid       string `json:"postAsDid"`
}

// Service выполняет перекладку блобов.
type Service struct {
	sessions domain.SessionProvider
	log      zerolog.Logger
}

// NewService создаёт сервис.
func NewService(sessions domain.SessionProvider, logger zerolog.Logger) *Service {
	return &Service{sessions: sessions, log: logger}
}

// UploadBlob скачивает, расшифровывает и перевыгружает блоб. Для видео
// используется асинхронный путь обработки: возвращается идентификатор
// задачи вместо ссылки.
func (s *Service) UploadBlob(ctx context.Context, req Request) (domain.BlobOutcome, error) {
	agent, err := s.sessions.Restore(ctx, req.PostAsDid)
	if err != nil {
		return domain.BlobOutcome{}, err
	}

	key, err := cryptobox.ImportJWK(req.StoredThreadKey)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("load thread key: %w", err)
	}

	sealed, err := agent.GetBlob(ctx, req.BlobDid, req.BlobCid)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("fetch encrypted blob %s: %w", req.BlobCid, err)
	}

	data, err := cryptobox.Decrypt(sealed, key)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("decrypt blob %s: %w", req.BlobCid, err)
	}

	if strings.HasPrefix(req.BlobMimeType, "video/") {
		jobID, err := agent.UploadVideo(ctx, data)
		if err != nil {
			return domain.BlobOutcome{}, fmt.Errorf("upload video: %w", err)
		}
		s.log.Debug().Str("job", jobID).Str("did", req.PostAsDid).Msg("rehost: видео отправлено на обработку")
		return domain.BlobOutcome{JobID: jobID}, nil
	}

	ref, err := agent.UploadBlob(ctx, data, req.BlobMimeType)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("upload blob: %w", err)
	}
	return domain.BlobOutcome{CID: ref.Ref.Link}, nil
}
