// Package threadstore читает и пишет зашифрованный документ треда в
// удалённом репозитории владельца. Тело треда и метаданные каждого
// вложения шифруются одним ключом, но отдельными запечатками: документ
// остаётся небольшим, а вложения, уже лежащие в репозитории, не
// шифруются повторно при правках без смены медиа.
package threadstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bsky-scheduler/internal/adapters/atrepo"
	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/cryptobox"
)

// Collection — коллекция документов сохранённых тредов.
const Collection = "io.github.kylemclean.scheduler.experimental.storedThread"

type storedThreadDoc struct {
	Type   string                   `json:"$type"`
	Thread string                   `json:"thread"`
	Blobs  map[string]storedDocBlob `json:"blobs"`
}

type storedDocBlob struct {
	BlobRef domain.BlobRef `json:"blobRef"`
	Meta    string         `json:"meta"`
}

// StoredThread — результат загрузки документа: тред с привязанными
// источниками данных и вложения по идентификаторам.
type StoredThread struct {
	Thread *domain.Thread
	Blobs  map[string]domain.StoredThreadBlob
}

// Service — хранилище зашифрованных тредов.
type Service struct {
	log zerolog.Logger
}

// NewService создаёт сервис.
func NewService(logger zerolog.Logger) *Service {
	return &Service{log: logger}
}

// Store шифрует тред свежим ключом и записывает документ в репозиторий
// учётной записи агента. Локальные вложения шифруются и выгружаются;
// вложения, уже сохранённые в зашифрованном виде, переносятся как есть.
func (s *Service) Store(ctx context.Context, thread *domain.Thread, agent domain.RepoAgent) (domain.StoredThreadInfo, error) {
	if agent == nil || agent.Did() == "" {
		return domain.StoredThreadInfo{}, domain.ErrNotAuthenticated
	}
	if len(thread.Posts) == 0 {
		return domain.StoredThreadInfo{}, domain.ErrEmptyThread
	}

	key, err := cryptobox.GenerateKey()
	if err != nil {
		return domain.StoredThreadInfo{}, err
	}

	blobsByPost := thread.BlobsByPost()
	stored := map[string]domain.StoredThreadBlob{}
	for _, postBlobs := range blobsByPost {
		for _, blob := range postBlobs {
			if blob.ID == "" {
				blob.ID = uuid.NewString()
			}
			if _, ok := stored[blob.ID]; ok {
				continue
			}
			switch src := blob.Source.(type) {
			case domain.RemoteEncryptedSource:
				stored[blob.ID] = src.Stored
			case domain.LocalSource:
				sealed, err := cryptobox.Encrypt(src.Data, key)
				if err != nil {
					return domain.StoredThreadInfo{}, fmt.Errorf("encrypt blob %s: %w", blob.ID, err)
				}
				ref, err := agent.UploadBlob(ctx, sealed, "application/octet-stream")
				if err != nil {
					return domain.StoredThreadInfo{}, fmt.Errorf("upload blob %s: %w", blob.ID, err)
				}
				stored[blob.ID] = domain.StoredThreadBlob{
					BlobRef: ref,
					Did:     agent.Did(),
					Meta:    domain.BlobMeta{MimeType: src.MimeType},
				}
			default:
				return domain.StoredThreadInfo{}, &domain.UnsupportedDataSourceError{Source: blob.Source}
			}
		}
	}

	docBlobs := make(map[string]storedDocBlob, len(stored))
	for id, blob := range stored {
		sealedMeta, err := cryptobox.EncryptJSON(blob.Meta, key)
		if err != nil {
			return domain.StoredThreadInfo{}, fmt.Errorf("encrypt blob meta %s: %w", id, err)
		}
		docBlobs[id] = storedDocBlob{
			BlobRef: blob.BlobRef,
			Meta:    base64.StdEncoding.EncodeToString(sealedMeta),
		}
	}

	sealedThread, err := cryptobox.EncryptJSON(thread, key)
	if err != nil {
		return domain.StoredThreadInfo{}, fmt.Errorf("encrypt thread body: %w", err)
	}

	docJSON, err := json.Marshal(storedThreadDoc{
		Type:   Collection,
		Thread: base64.StdEncoding.EncodeToString(sealedThread),
		Blobs:  docBlobs,
	})
	if err != nil {
		return domain.StoredThreadInfo{}, fmt.Errorf("marshal document: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(docJSON, &record); err != nil {
		return domain.StoredThreadInfo{}, fmt.Errorf("marshal document: %w", err)
	}

	created, err := agent.CreateRecord(ctx, Collection, record)
	if err != nil {
		return domain.StoredThreadInfo{}, fmt.Errorf("store thread document: %w", err)
	}

	keyJWK, err := cryptobox.ExportJWK(key)
	if err != nil {
		return domain.StoredThreadInfo{}, err
	}

	// Источники переводятся вперёд: выгруженное локальное вложение теперь
	// лежит в репозитории в зашифрованном виде.
	for _, postBlobs := range blobsByPost {
		for _, blob := range postBlobs {
			if _, ok := blob.Source.(domain.LocalSource); ok {
				blob.Source = domain.RemoteEncryptedSource{Stored: stored[blob.ID], KeyJWK: keyJWK}
			}
		}
	}

	blobIDs := make([]string, 0, len(stored))
	for id := range stored {
		blobIDs = append(blobIDs, id)
	}
	sort.Strings(blobIDs)

	var prefetch []string
	if len(blobsByPost) > 0 {
		for _, blob := range blobsByPost[0] {
			prefetch = append(prefetch, stored[blob.ID].BlobRef.Ref.Link)
		}
	}

	return domain.StoredThreadInfo{
		URI:              created.URI,
		KeyJWK:           keyJWK,
		BlobIDs:          blobIDs,
		PrefetchBlobCIDs: prefetch,
	}, nil
}

// Fetch загружает и расшифровывает документ треда, привязывая каждому
// вложению источник remoteEncrypted: байты можно получить по требованию.
func (s *Service) Fetch(ctx context.Context, uri, keyJWK string, agent domain.RepoAgent) (StoredThread, error) {
	parsed, err := atrepo.ParseAtURI(uri)
	if err != nil {
		return StoredThread{}, &domain.ValidationError{Message: err.Error()}
	}

	raw, err := agent.GetRecord(ctx, parsed.Did, parsed.Collection, parsed.Rkey)
	if err != nil {
		return StoredThread{}, fmt.Errorf("fetch thread document %s: %w", uri, err)
	}

	var doc storedThreadDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StoredThread{}, &domain.ValidationError{Message: fmt.Sprintf("stored thread document is malformed: %v", err)}
	}
	if doc.Type != Collection {
		return StoredThread{}, &domain.ValidationError{Message: fmt.Sprintf("unexpected document type %q", doc.Type)}
	}

	key, err := cryptobox.ImportJWK(keyJWK)
	if err != nil {
		return StoredThread{}, fmt.Errorf("load thread key: %w", err)
	}

	blobs := make(map[string]domain.StoredThreadBlob, len(doc.Blobs))
	for id, docBlob := range doc.Blobs {
		sealedMeta, err := base64.StdEncoding.DecodeString(docBlob.Meta)
		if err != nil {
			return StoredThread{}, &domain.ValidationError{Message: fmt.Sprintf("blob %s meta is not base64: %v", id, err)}
		}
		var meta domain.BlobMeta
		if err := cryptobox.DecryptJSON(sealedMeta, key, &meta); err != nil {
			return StoredThread{}, fmt.Errorf("decrypt blob meta %s: %w", id, err)
		}
		blobs[id] = domain.StoredThreadBlob{BlobRef: docBlob.BlobRef, Did: parsed.Did, Meta: meta}
	}

	sealedThread, err := base64.StdEncoding.DecodeString(doc.Thread)
	if err != nil {
		return StoredThread{}, &domain.ValidationError{Message: fmt.Sprintf("thread body is not base64: %v", err)}
	}
	var thread domain.Thread
	if err := cryptobox.DecryptJSON(sealedThread, key, &thread); err != nil {
		return StoredThread{}, fmt.Errorf("decrypt thread body: %w", err)
	}
	if err := thread.Validate(); err != nil {
		return StoredThread{}, err
	}

	for _, blob := range thread.Blobs() {
		storedBlob, ok := blobs[blob.ID]
		if !ok {
			s.log.Warn().Str("blob", blob.ID).Str("uri", uri).Msg("threadstore: вложение отсутствует в документе")
			continue
		}
		blob.Source = domain.RemoteEncryptedSource{Stored: storedBlob, KeyJWK: keyJWK}
	}

	return StoredThread{Thread: &thread, Blobs: blobs}, nil
}
