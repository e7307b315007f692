package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RepoAgent — аутентифицированный клиент удалённого репозитория записей,
// действующий от имени конкретной учётной записи.
type RepoAgent interface {
	Did() string
	GetRecord(ctx context.Context, repo, collection, rkey string) (json.RawMessage, error)
	CreateRecord(ctx context.Context, collection string, record map[string]any) (CreatedRecord, error)
	UploadBlob(ctx context.Context, data []byte, contentType string) (BlobRef, error)
	ApplyWrites(ctx context.Context, writes []RecordWrite) error
	GetBlob(ctx context.Context, did, cid string) ([]byte, error)
	UploadVideo(ctx context.Context, data []byte) (string, error)
	GetVideoJobStatus(ctx context.Context, jobID string) (VideoJobStatus, error)
}

// SessionProvider восстанавливает сессию учётной записи по её
// идентификатору. Явная зависимость вместо общего глобального клиента.
type SessionProvider interface {
	Restore(ctx context.Context, did string) (RepoAgent, error)
}

// Rehoster перекладывает зашифрованный блоб в целевой репозиторий и
// возвращает либо итоговую ссылку, либо идентификатор задачи обработки.
type Rehoster interface {
	UploadBlob(ctx context.Context, storedThreadKey string, blob StoredThreadBlob, postAsDid string) (BlobOutcome, error)
}

// ThreadRefRepo управляет строками заданий конвейера. Все мутации —
// условные обновления отдельных полей; захват аренды обязан быть
// единственной атомарной операцией.
type ThreadRefRepo interface {
	// ClaimBlobUploads атомарно арендует строки, готовые к выгрузке
	// вложений, и возвращает их.
	ClaimBlobUploads(ctx context.Context, now time.Time) ([]ThreadRef, error)
	// ClaimPublishes атомарно арендует строки, готовые к публикации в
	// пределах допустимого окна задержки.
	ClaimPublishes(ctx context.Context, now time.Time) ([]ThreadRef, error)
	// UpdateBlobDecryptionMap записывает карту расшифровки и снимает
	// аренду; при allUploaded выставляет отметку готовности вложений.
	UpdateBlobDecryptionMap(ctx context.Context, uri string, m map[string]*BlobOutcome, allUploaded bool, now time.Time) error
	// MarkPublished переводит строку в опубликованное состояние, только
	// если публикации ещё не было. Возвращает true, если переход
	// выполнила именно эта попытка.
	MarkPublished(ctx context.Context, uri, firstPostURI string, now time.Time) (bool, error)
	// ClearLease снимает аренду после неудачной попытки, чтобы строку
	// можно было взять снова.
	ClearLease(ctx context.Context, uri string) error
}

// IdentityRepo возвращает материал сессии учётной записи.
type IdentityRepo interface {
	GetIdentity(ctx context.Context, did string) (OwnerIdentity, error)
}
