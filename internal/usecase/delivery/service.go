// Package delivery реализует конвейер отложенной публикации: фаза A
// материализует вложения заранее, фаза B публикует тред одной атомарной
// пакетной записью. Тред либо публикуется целиком, либо не публикуется
// вовсе; строка никогда не обрабатывается двумя воркерами одновременно.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/cid"
	"bsky-scheduler/internal/infra/metrics"
	"bsky-scheduler/internal/infra/tid"
	"bsky-scheduler/internal/usecase/blobs"
	"bsky-scheduler/internal/usecase/threadstore"
)

// PostCollection — коллекция публикуемых записей постов.
const PostCollection = "app.bsky.feed.post"

// Service — воркер конвейера доставки.
type Service struct {
	refs        domain.ThreadRefRepo
	sessions    domain.SessionProvider
	store       *threadstore.Service
	resolver    *blobs.Resolver
	concurrency int
	clockID     uint16
	log         zerolog.Logger
	now         func() time.Time
}

// NewService создаёт воркер. clockID различает экземпляры воркера в
// ключах записей: совпадение ключей у разных экземпляров в одну
// миллисекунду практически исключено.
func NewService(
	refs domain.ThreadRefRepo,
	sessions domain.SessionProvider,
	store *threadstore.Service,
	resolver *blobs.Resolver,
	concurrency int,
	clockID uint16,
	logger zerolog.Logger,
) *Service {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		refs:        refs,
		sessions:    sessions,
		store:       store,
		resolver:    resolver,
		concurrency: concurrency,
		clockID:     clockID,
		log:         logger,
		now:         time.Now,
	}
}

// RunOnce выполняет один цикл конвейера: сначала выгрузка вложений,
// затем публикация готовых тредов.
func (s *Service) RunOnce(ctx context.Context) {
	s.UploadDueBlobs(ctx)
	s.PublishDue(ctx)
}

// forEach обрабатывает строки параллельно с ограниченным фан-аутом.
// Ошибка одной строки не прерывает остальные.
func (s *Service) forEach(ctx context.Context, rows []domain.ThreadRef, handle func(context.Context, domain.ThreadRef)) {
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, row := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(row domain.ThreadRef) {
			defer wg.Done()
			defer func() { <-sem }()
			handle(ctx, row)
		}(row)
	}
	wg.Wait()
}

// UploadDueBlobs — фаза A: арендует строки, чьё время выгрузки подошло,
// и материализует вложения, ещё не попавшие в карту расшифровки.
func (s *Service) UploadDueBlobs(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.PhaseDuration.WithLabelValues("upload_blobs").Observe(time.Since(start).Seconds()) }()

	rows, err := s.refs.ClaimBlobUploads(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("delivery: не удалось арендовать строки для выгрузки вложений")
		return
	}
	if len(rows) == 0 {
		return
	}
	s.log.Debug().Int("rows", len(rows)).Msg("delivery: арендованы строки для выгрузки вложений")
	s.forEach(ctx, rows, s.uploadBlobsForThread)
}

func (s *Service) uploadBlobsForThread(ctx context.Context, row domain.ThreadRef) {
	logger := s.log.With().Str("uri", row.StoredThreadURI).Logger()

	releaseOnFailure := func(err error, msg string) {
		logger.Error().Err(err).Msg(msg)
		if clearErr := s.refs.ClearLease(ctx, row.StoredThreadURI); clearErr != nil {
			logger.Error().Err(clearErr).Msg("delivery: не удалось снять аренду")
		}
	}

	agent, err := s.sessions.Restore(ctx, row.PostAsDid)
	if err != nil {
		releaseOnFailure(err, "delivery: не удалось восстановить сессию владельца")
		return
	}

	stored, err := s.store.Fetch(ctx, row.StoredThreadURI, row.StoredThreadKey, agent)
	if err != nil {
		releaseOnFailure(err, "delivery: не удалось загрузить сохранённый тред")
		return
	}

	// Повтор фазы A идемпотентен: в сеть уходят только вложения,
	// у которых в карте ещё нет результата.
	newMap := domain.CloneBlobDecryptionMap(row.BlobDecryptionMap)
	for id := range stored.Blobs {
		if _, ok := newMap[id]; !ok {
			newMap[id] = nil
		}
	}
	for _, blob := range stored.Thread.Blobs() {
		if newMap[blob.ID] != nil {
			continue
		}
		outcome, err := s.resolver.Materialize(ctx, blob, row.StoredThreadKey, row.PostAsDid, agent)
		if err != nil {
			logger.Error().Err(err).Str("blob", blob.ID).Msg("delivery: не удалось материализовать вложение")
			continue
		}
		outcomeCopy := outcome
		newMap[blob.ID] = &outcomeCopy
	}

	// Готовность определяется по вложениям документа: посторонние записи
	// в карте не считаются.
	allUploaded := true
	for id := range stored.Blobs {
		if newMap[id] == nil {
			allUploaded = false
			break
		}
	}

	if err := s.refs.UpdateBlobDecryptionMap(ctx, row.StoredThreadURI, newMap, allUploaded, s.now()); err != nil {
		releaseOnFailure(err, "delivery: не удалось сохранить карту расшифровки")
		return
	}
	if allUploaded {
		logger.Info().Int("blobs", len(stored.Blobs)).Msg("delivery: вложения треда готовы к публикации")
	}
}

// PublishDue — фаза B: арендует строки в пределах окна допустимой
// задержки и публикует их одной атомарной пакетной записью.
func (s *Service) PublishDue(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.PhaseDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds()) }()

	rows, err := s.refs.ClaimPublishes(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("delivery: не удалось арендовать строки для публикации")
		return
	}
	if len(rows) == 0 {
		return
	}
	s.log.Debug().Int("rows", len(rows)).Msg("delivery: арендованы строки для публикации")
	s.forEach(ctx, rows, s.publishThread)
}

func (s *Service) publishThread(ctx context.Context, row domain.ThreadRef) {
	logger := s.log.With().Str("uri", row.StoredThreadURI).Logger()

	releaseOnFailure := func(err error, msg string) {
		logger.Error().Err(err).Msg(msg)
		metrics.PublishErrorsTotal.Inc()
		if clearErr := s.refs.ClearLease(ctx, row.StoredThreadURI); clearErr != nil {
			logger.Error().Err(clearErr).Msg("delivery: не удалось снять аренду")
		}
	}

	agent, err := s.sessions.Restore(ctx, row.PostAsDid)
	if err != nil {
		releaseOnFailure(err, "delivery: не удалось восстановить сессию владельца")
		return
	}

	stored, err := s.store.Fetch(ctx, row.StoredThreadURI, row.StoredThreadKey, agent)
	if err != nil {
		releaseOnFailure(err, "delivery: не удалось загрузить сохранённый тред")
		return
	}

	// Перед сборкой записей каждое вложение обязано дойти до итоговой
	// ссылки. Незавершённая задача обработки не ошибка: строка просто
	// дождётся следующего цикла.
	for _, blob := range stored.Thread.Blobs() {
		entry := row.BlobDecryptionMap[blob.ID]
		if entry == nil {
			releaseOnFailure(
				&domain.ValidationError{Message: fmt.Sprintf("blob %s is missing from decryption map", blob.ID)},
				"delivery: карта расшифровки неполна",
			)
			return
		}
		mimeType := blob.MimeType()
		if entry.CID != "" {
			blob.Source = domain.RemoteUnencryptedSource{
				Did: row.PostAsDid,
				Ref: &domain.BlobRef{Type: "blob", Ref: domain.BlobLink{Link: entry.CID}, MimeType: mimeType},
			}
			continue
		}
		blob.Source = domain.RemoteUnencryptedSource{Did: row.PostAsDid, PendingJobID: entry.JobID}
		if _, err := s.resolver.Materialize(ctx, blob, row.StoredThreadKey, row.PostAsDid, agent); err != nil {
			if errors.Is(err, domain.ErrNotReady) {
				logger.Info().Str("blob", blob.ID).Msg("delivery: обработка вложения ещё не завершена, публикация отложена")
				if clearErr := s.refs.ClearLease(ctx, row.StoredThreadURI); clearErr != nil {
					logger.Error().Err(clearErr).Msg("delivery: не удалось снять аренду")
				}
				return
			}
			releaseOnFailure(err, "delivery: не удалось завершить материализацию вложения")
			return
		}
	}

	writes, firstPostURI, err := s.buildWrites(stored.Thread, row.PostAsDid)
	if err != nil {
		releaseOnFailure(err, "delivery: не удалось собрать записи постов")
		return
	}

	if err := agent.ApplyWrites(ctx, writes); err != nil {
		releaseOnFailure(err, "delivery: пакетная запись не применилась")
		return
	}

	published, err := s.refs.MarkPublished(ctx, row.StoredThreadURI, firstPostURI, s.now())
	if err != nil {
		logger.Error().Err(err).Msg("delivery: не удалось отметить публикацию")
		return
	}
	if !published {
		logger.Warn().Msg("delivery: строка уже была опубликована другой попыткой")
		return
	}
	metrics.ThreadsPublishedTotal.Inc()
	logger.Info().Str("first_post", firstPostURI).Msg("delivery: тред опубликован")
}

type postRef struct {
	URI string
	CID string
}

// buildWrites собирает пакет записей. Идентификатор содержимого каждого
// поста вычисляется до отправки и служит ссылкой parent/root следующего
// поста: цепочка ответов проверяема и не зависит от идентификаторов,
// назначенных сервером.
func (s *Service) buildWrites(thread *domain.Thread, postAsDid string) ([]domain.RecordWrite, string, error) {
	now := s.now()
	createdAt := now.UTC().Format("2006-01-02T15:04:05.000Z")

	var langs []any
	for _, lang := range thread.Languages {
		langs = append(langs, lang)
	}

	refs := make([]postRef, len(thread.Posts))
	writes := make([]domain.RecordWrite, len(thread.Posts))
	for i := range thread.Posts {
		post := &thread.Posts[i]

		record := map[string]any{
			"text":      post.Text,
			"createdAt": createdAt,
		}
		if len(langs) > 0 {
			record["langs"] = langs
		}
		if len(post.Facets) > 0 {
			record["facets"] = facetsValue(post.Facets)
		}
		if values := post.Labels.Values(); len(values) > 0 {
			record["labels"] = labelsValue(values)
		}
		if i > 0 {
			record["reply"] = map[string]any{
				"root":   map[string]any{"uri": refs[0].URI, "cid": refs[0].CID},
				"parent": map[string]any{"uri": refs[i-1].URI, "cid": refs[i-1].CID},
			}
		}
		embed, err := embedValue(post)
		if err != nil {
			return nil, "", err
		}
		if embed != nil {
			record["embed"] = embed
		}

		recordCid, err := cid.Compute(record)
		if err != nil {
			return nil, "", fmt.Errorf("compute post %d cid: %w", i, err)
		}
		rkey := tid.FromTime(now.UnixMicro()+int64(i), s.clockID)
		refs[i] = postRef{
			URI: "at://" + postAsDid + "/" + PostCollection + "/" + rkey,
			CID: recordCid,
		}
		writes[i] = domain.RecordWrite{Collection: PostCollection, Rkey: rkey, Value: record}
	}
	return writes, refs[0].URI, nil
}

func facetsValue(facets []domain.Facet) []any {
	out := make([]any, len(facets))
	for i, facet := range facets {
		features := make([]any, len(facet.Features))
		for j, feature := range facet.Features {
			encoded := map[string]any{"$type": feature.Type}
			switch feature.Type {
			case domain.FacetMention:
				encoded["did"] = feature.Did
			case domain.FacetTag:
				encoded["tag"] = feature.Tag
			case domain.FacetLink:
				encoded["uri"] = feature.URI
			}
			features[j] = encoded
		}
		out[i] = map[string]any{
			"index": map[string]any{
				"byteStart": facet.Index.ByteStart,
				"byteEnd":   facet.Index.ByteEnd,
			},
			"features": features,
		}
	}
	return out
}

func labelsValue(values []string) map[string]any {
	encoded := make([]any, len(values))
	for i, value := range values {
		encoded[i] = map[string]any{"val": value}
	}
	return map[string]any{
		"$type":  "com.atproto.label.defs#selfLabels",
		"values": encoded,
	}
}

// publishedBlobRef возвращает итоговую ссылку вложения. Вызывается
// только после материализации всех вложений треда.
func publishedBlobRef(blob *domain.ThreadBlob) (*domain.BlobRef, error) {
	src, ok := blob.Source.(domain.RemoteUnencryptedSource)
	if !ok || src.Ref == nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("blob %s is not materialized", blob.ID)}
	}
	return src.Ref, nil
}

func aspectRatioValue(size domain.AspectRatio) map[string]any {
	return map[string]any{"width": size.Width, "height": size.Height}
}

// embedValue строит вложение записи по типу медиа. Неизвестный тип —
// ошибка схемы, а не пропуск.
func embedValue(post *domain.Post) (map[string]any, error) {
	media := post.Media
	if media == nil {
		return nil, nil
	}

	switch media.Type {
	case domain.MediaImages:
		images := make([]any, len(media.Images))
		for i, image := range media.Images {
			ref, err := publishedBlobRef(image.ImageBlob)
			if err != nil {
				return nil, err
			}
			images[i] = map[string]any{
				"image":       ref,
				"aspectRatio": aspectRatioValue(image.Size),
				"alt":         image.Alt,
			}
		}
		return map[string]any{"$type": "app.bsky.embed.images", "images": images}, nil

	case domain.MediaVideo:
		ref, err := publishedBlobRef(media.Video.VideoBlob)
		if err != nil {
			return nil, err
		}
		embed := map[string]any{
			"$type":       "app.bsky.embed.video",
			"video":       ref,
			"aspectRatio": aspectRatioValue(media.Video.Size),
			"alt":         media.Video.Alt,
		}
		if media.Video.CaptionsBlob != nil {
			captions, err := publishedBlobRef(media.Video.CaptionsBlob)
			if err != nil {
				return nil, err
			}
			embed["captions"] = captions
		}
		return embed, nil

	case domain.MediaGif:
		thumb, err := publishedBlobRef(media.Gif.ThumbnailBlob)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"$type": "app.bsky.embed.external",
			"external": map[string]any{
				"uri":         media.Gif.Src,
				"title":       media.Gif.Alt,
				"description": "Alt: " + media.Gif.Alt,
				"thumb":       thumb,
			},
		}, nil

	case domain.MediaWebsite:
		external := map[string]any{
			"uri":         media.Website.URL,
			"title":       media.Website.Meta.Title,
			"description": media.Website.Meta.Description,
		}
		if media.Website.Meta.ThumbnailBlob != nil {
			thumb, err := publishedBlobRef(media.Website.Meta.ThumbnailBlob)
			if err != nil {
				return nil, err
			}
			external["thumb"] = thumb
		}
		return map[string]any{"$type": "app.bsky.embed.external", "external": external}, nil

	default:
		return nil, &domain.ValidationError{Message: "unknown media type " + media.Type}
	}
}
