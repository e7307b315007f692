package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/cid"
	"bsky-scheduler/internal/usecase/blobs"
	"bsky-scheduler/internal/usecase/threadstore"
)

const testDid = "did:plc:owner"

func rawCid(t *testing.T, seed string) string {
	t.Helper()
	digest, err := mh.Sum([]byte(seed), mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("не удалось вычислить хеш: %v", err)
	}
	return gocid.NewCidV1(gocid.Raw, digest).String()
}

// stubAgent хранит записи в памяти и считает сетевые вызовы.
type stubAgent struct {
	mu        sync.Mutex
	records   map[string]map[string]any
	nextRkey  int
	blobSeq   int
	writes    [][]domain.RecordWrite
	jobStatus map[string]domain.VideoJobStatus
	jobPolls  int
}

func newStubAgent() *stubAgent {
	return &stubAgent{
		records:   map[string]map[string]any{},
		jobStatus: map[string]domain.VideoJobStatus{},
	}
}

func (a *stubAgent) Did() string { return testDid }

func (a *stubAgent) GetRecord(_ context.Context, repo, collection, rkey string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[repo+"/"+collection+"/"+rkey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return json.Marshal(record)
}

func (a *stubAgent) CreateRecord(_ context.Context, collection string, record map[string]any) (domain.CreatedRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextRkey++
	rkey := fmt.Sprintf("rkey%d", a.nextRkey)
	a.records[testDid+"/"+collection+"/"+rkey] = record
	return domain.CreatedRecord{URI: "at://" + testDid + "/" + collection + "/" + rkey}, nil
}

func (a *stubAgent) UploadBlob(_ context.Context, data []byte, contentType string) (domain.BlobRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobSeq++
	digest, _ := mh.Sum([]byte(fmt.Sprintf("sealed-%d", a.blobSeq)), mh.SHA2_256, -1)
	return domain.BlobRef{
		Type:     "blob",
		Ref:      domain.BlobLink{Link: gocid.NewCidV1(gocid.Raw, digest).String()},
		MimeType: contentType,
		Size:     int64(len(data)),
	}, nil
}

func (a *stubAgent) ApplyWrites(_ context.Context, writes []domain.RecordWrite) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writes)
	return nil
}

func (a *stubAgent) GetBlob(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("unexpected GetBlob call")
}

func (a *stubAgent) UploadVideo(context.Context, []byte) (string, error) {
	return "", errors.New("unexpected UploadVideo call")
}

func (a *stubAgent) GetVideoJobStatus(_ context.Context, jobID string) (domain.VideoJobStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobPolls++
	status, ok := a.jobStatus[jobID]
	if !ok {
		return domain.VideoJobStatus{}, domain.ErrNotFound
	}
	return status, nil
}

type stubSessions struct{ agent *stubAgent }

func (s stubSessions) Restore(_ context.Context, did string) (domain.RepoAgent, error) {
	if did != testDid {
		return nil, domain.ErrNotAuthenticated
	}
	return s.agent, nil
}

// stubRehoster возвращает заранее заданные итоги по идентификатору блоба.
type stubRehoster struct {
	mu       sync.Mutex
	outcomes map[string]domain.BlobOutcome
	calls    int
}

func (r *stubRehoster) UploadBlob(_ context.Context, _ string, blob domain.StoredThreadBlob, _ string) (domain.BlobOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	outcome, ok := r.outcomes[blob.BlobRef.Ref.Link]
	if !ok {
		return domain.BlobOutcome{}, errors.New("unknown blob")
	}
	return outcome, nil
}

// memoryRefRepo повторяет семантику условных обновлений постгрес-репозитория.
type memoryRefRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.ThreadRef
	windows domain.ScheduleWindows
}

func newMemoryRefRepo(windows domain.ScheduleWindows) *memoryRefRepo {
	return &memoryRefRepo{rows: map[string]*domain.ThreadRef{}, windows: windows}
}

func (r *memoryRefRepo) leaseFree(row *domain.ThreadRef, now time.Time) bool {
	return row.LeaseExpiresAt == nil || !row.LeaseExpiresAt.After(now)
}

func (r *memoryRefRepo) ClaimBlobUploads(_ context.Context, now time.Time) ([]domain.ThreadRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []domain.ThreadRef
	for _, row := range r.rows {
		if row.PostedAt != nil || row.BlobsUploadedAt != nil || !r.leaseFree(row, now) {
			continue
		}
		if row.ScheduledFor == nil || row.ScheduledFor.After(now.Add(r.windows.UploadLeadTime)) {
			continue
		}
		expiry := now.Add(r.windows.UploadLease)
		row.LeaseExpiresAt = &expiry
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (r *memoryRefRepo) ClaimPublishes(_ context.Context, now time.Time) ([]domain.ThreadRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []domain.ThreadRef
	for _, row := range r.rows {
		if row.PostedAt != nil || row.BlobsUploadedAt == nil || !r.leaseFree(row, now) {
			continue
		}
		if row.ScheduledFor == nil || row.ScheduledFor.After(now) || row.ScheduledFor.Before(now.Add(-r.windows.MaxPostDelay)) {
			continue
		}
		expiry := now.Add(r.windows.PublishLease)
		row.LeaseExpiresAt = &expiry
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (r *memoryRefRepo) UpdateBlobDecryptionMap(_ context.Context, uri string, m map[string]*domain.BlobOutcome, allUploaded bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[uri]
	if !ok {
		return domain.ErrNotFound
	}
	row.BlobDecryptionMap = domain.CloneBlobDecryptionMap(m)
	row.LeaseExpiresAt = nil
	if allUploaded {
		uploadedAt := now
		row.BlobsUploadedAt = &uploadedAt
	}
	return nil
}

func (r *memoryRefRepo) MarkPublished(_ context.Context, uri, firstPostURI string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[uri]
	if !ok {
		return false, domain.ErrNotFound
	}
	if row.PostedAt != nil {
		return false, nil
	}
	postedAt := now
	row.PostedAt = &postedAt
	row.FirstPostURI = &firstPostURI
	row.LeaseExpiresAt = nil
	return true, nil
}

func (r *memoryRefRepo) ClearLease(_ context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[uri]; ok {
		row.LeaseExpiresAt = nil
	}
	return nil
}

func (r *memoryRefRepo) row(t *testing.T, uri string) domain.ThreadRef {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[uri]
	if !ok {
		t.Fatalf("строка %s не найдена", uri)
	}
	return *row
}

type fixture struct {
	agent    *stubAgent
	rehoster *stubRehoster
	refs     *memoryRefRepo
	store    *threadstore.Service
	service  *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agent := newStubAgent()
	rehoster := &stubRehoster{outcomes: map[string]domain.BlobOutcome{}}
	refs := newMemoryRefRepo(domain.ScheduleWindows{
		UploadLeadTime: 30 * time.Minute,
		UploadLease:    10 * time.Minute,
		MaxPostDelay:   5 * time.Minute,
		PublishLease:   time.Minute,
	})
	store := threadstore.NewService(zerolog.Nop())
	service := NewService(refs, stubSessions{agent: agent}, store, blobs.NewResolver(rehoster), 2, 7, zerolog.Nop())
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }
	return &fixture{agent: agent, rehoster: rehoster, refs: refs, store: store, service: service, now: now}
}

// seed сохраняет тред через хранилище и заводит строку задания.
func (f *fixture) seed(t *testing.T, thread *domain.Thread, scheduledFor time.Time) string {
	t.Helper()
	info, err := f.store.Store(context.Background(), thread, f.agent)
	if err != nil {
		t.Fatalf("не удалось сохранить тред: %v", err)
	}
	f.refs.rows[info.URI] = &domain.ThreadRef{
		StoredThreadURI:  info.URI,
		StoredThreadKey:  info.KeyJWK,
		StoredAt:         f.now.Add(-time.Hour),
		PostAsDid:        testDid,
		PrefetchBlobCIDs: info.PrefetchBlobCIDs,
		ScheduledFor:     &scheduledFor,
	}
	return info.URI
}

func localImageBlob(id string) *domain.ThreadBlob {
	return &domain.ThreadBlob{
		ID:     id,
		Source: domain.LocalSource{Data: []byte("pixels-" + id), MimeType: "image/png"},
	}
}

func imageThread(blobs ...*domain.ThreadBlob) *domain.Thread {
	images := make([]domain.ImageMedia, len(blobs))
	for i, blob := range blobs {
		images[i] = domain.ImageMedia{ImageBlob: blob, Size: domain.AspectRatio{Width: 640, Height: 480}, Alt: "кадр"}
	}
	return &domain.Thread{
		Posts: []domain.Post{{
			Text:  "первый пост",
			Media: &domain.Media{Type: domain.MediaImages, Images: images},
		}},
		InteractionSettings: domain.InteractionSettings{},
		Languages:           []string{"ru"},
	}
}

// sealedLink возвращает ссылку на зашифрованный блоб из документа треда.
func (f *fixture) sealedLink(t *testing.T, uri, key, blobID string) string {
	t.Helper()
	stored, err := f.store.Fetch(context.Background(), uri, key, f.agent)
	if err != nil {
		t.Fatalf("не удалось загрузить документ: %v", err)
	}
	blob, ok := stored.Blobs[blobID]
	if !ok {
		t.Fatalf("вложение %s отсутствует в документе", blobID)
	}
	return blob.BlobRef.Ref.Link
}

func TestUploadDueBlobsFillsDecryptionMap(t *testing.T) {
	f := newFixture(t)
	thread := imageThread(localImageBlob("b1"), localImageBlob("b2"))
	uri := f.seed(t, thread, f.now.Add(10*time.Minute))

	row := f.refs.row(t, uri)
	f.rehoster.outcomes[f.sealedLink(t, uri, row.StoredThreadKey, "b1")] = domain.BlobOutcome{CID: rawCid(t, "pub-b1")}
	f.rehoster.outcomes[f.sealedLink(t, uri, row.StoredThreadKey, "b2")] = domain.BlobOutcome{CID: rawCid(t, "pub-b2")}

	f.service.UploadDueBlobs(context.Background())

	row = f.refs.row(t, uri)
	if row.BlobsUploadedAt == nil {
		t.Fatal("отметка готовности вложений не выставлена")
	}
	if row.LeaseExpiresAt != nil {
		t.Fatal("аренда не снята после записи карты")
	}
	for _, id := range []string{"b1", "b2"} {
		outcome := row.BlobDecryptionMap[id]
		if outcome == nil || outcome.CID == "" {
			t.Fatalf("вложение %s не материализовано: %+v", id, outcome)
		}
	}
	if f.rehoster.calls != 2 {
		t.Fatalf("ожидалось 2 перекладки, фактически %d", f.rehoster.calls)
	}
	if row.PostedAt != nil {
		t.Fatal("фаза выгрузки не должна публиковать тред")
	}
}

func TestUploadDueBlobsRetrySkipsUploaded(t *testing.T) {
	f := newFixture(t)
	thread := imageThread(localImageBlob("b1"), localImageBlob("b2"))
	uri := f.seed(t, thread, f.now.Add(10*time.Minute))

	row := f.refs.row(t, uri)
	done := domain.BlobOutcome{CID: rawCid(t, "pub-b1")}
	f.refs.rows[uri].BlobDecryptionMap = map[string]*domain.BlobOutcome{"b1": &done}
	f.rehoster.outcomes[f.sealedLink(t, uri, row.StoredThreadKey, "b2")] = domain.BlobOutcome{CID: rawCid(t, "pub-b2")}

	f.service.UploadDueBlobs(context.Background())

	if f.rehoster.calls != 1 {
		t.Fatalf("повтор не идемпотентен: %d перекладок вместо 1", f.rehoster.calls)
	}
	row = f.refs.row(t, uri)
	if row.BlobsUploadedAt == nil {
		t.Fatal("отметка готовности вложений не выставлена")
	}
}

func TestUploadDueBlobsIgnoresStaleMapEntries(t *testing.T) {
	f := newFixture(t)
	uri := f.seed(t, imageThread(localImageBlob("b1")), f.now.Add(10*time.Minute))

	// Запись о несуществующем вложении не должна засчитываться за
	// готовность реального: материализация b1 здесь не удаётся.
	stale := domain.BlobOutcome{CID: rawCid(t, "stale")}
	f.refs.rows[uri].BlobDecryptionMap = map[string]*domain.BlobOutcome{"ghost": &stale}

	f.service.UploadDueBlobs(context.Background())

	row := f.refs.row(t, uri)
	if row.BlobsUploadedAt != nil {
		t.Fatal("отметка готовности выставлена при нематериализованном вложении")
	}
	if row.BlobDecryptionMap["b1"] != nil {
		t.Fatalf("вложение b1 не должно было материализоваться: %+v", row.BlobDecryptionMap["b1"])
	}
	if row.LeaseExpiresAt != nil {
		t.Fatal("аренда не снята после записи карты")
	}
}

func TestUploadDueBlobsRespectsLeadTime(t *testing.T) {
	f := newFixture(t)
	f.seed(t, imageThread(localImageBlob("b1")), f.now.Add(2*time.Hour))

	f.service.UploadDueBlobs(context.Background())

	if f.rehoster.calls != 0 {
		t.Fatalf("строка вне окна выгрузки обработана: %d перекладок", f.rehoster.calls)
	}
}

func TestPublishDueBuildsReplyChain(t *testing.T) {
	f := newFixture(t)
	blob := localImageBlob("b1")
	thread := imageThread(blob)
	thread.Posts[0].Labels = domain.PostLabels{AdultContent: "nudity"}
	thread.Posts = append(thread.Posts,
		domain.Post{Text: "второй пост"},
		domain.Post{Text: "третий пост"},
	)
	uri := f.seed(t, thread, f.now.Add(-time.Minute))

	row := f.refs.row(t, uri)
	f.rehoster.outcomes[f.sealedLink(t, uri, row.StoredThreadKey, "b1")] = domain.BlobOutcome{CID: rawCid(t, "pub-b1")}

	f.service.UploadDueBlobs(context.Background())
	f.service.PublishDue(context.Background())

	if len(f.agent.writes) != 1 {
		t.Fatalf("ожидалась одна пакетная запись, фактически %d", len(f.agent.writes))
	}
	writes := f.agent.writes[0]
	if len(writes) != 3 {
		t.Fatalf("ожидалось 3 записи, фактически %d", len(writes))
	}

	for i, write := range writes {
		if write.Collection != PostCollection {
			t.Fatalf("запись %d: коллекция %q", i, write.Collection)
		}
		if len(write.Rkey) != 13 {
			t.Fatalf("запись %d: ключ %q не похож на TID", i, write.Rkey)
		}
		if i > 0 && writes[i-1].Rkey >= write.Rkey {
			t.Fatalf("ключи записей не возрастают: %q >= %q", writes[i-1].Rkey, write.Rkey)
		}
	}

	first := writes[0].Value
	if _, ok := first["reply"]; ok {
		t.Fatal("у первого поста не должно быть reply")
	}
	if _, ok := first["embed"]; !ok {
		t.Fatal("у первого поста нет вложения")
	}
	if _, ok := first["labels"]; !ok {
		t.Fatal("метки первого поста потеряны")
	}

	rootCid, err := cid.Compute(first)
	if err != nil {
		t.Fatalf("не удалось вычислить идентификатор первой записи: %v", err)
	}
	rootURI := "at://" + testDid + "/" + PostCollection + "/" + writes[0].Rkey
	for i := 1; i < len(writes); i++ {
		reply, ok := writes[i].Value["reply"].(map[string]any)
		if !ok {
			t.Fatalf("запись %d: reply отсутствует", i)
		}
		root := reply["root"].(map[string]any)
		if root["uri"] != rootURI || root["cid"] != rootCid {
			t.Fatalf("запись %d: корень цепочки неверен: %+v", i, root)
		}
		parentCid, err := cid.Compute(writes[i-1].Value)
		if err != nil {
			t.Fatalf("не удалось вычислить идентификатор записи %d: %v", i-1, err)
		}
		parent := reply["parent"].(map[string]any)
		if parent["cid"] != parentCid {
			t.Fatalf("запись %d: parent.cid не совпадает с вычисленным", i)
		}
	}

	row = f.refs.row(t, uri)
	if row.PostedAt == nil {
		t.Fatal("строка не отмечена опубликованной")
	}
	if row.FirstPostURI == nil || *row.FirstPostURI != rootURI {
		t.Fatalf("ссылка на первый пост неверна: %v", row.FirstPostURI)
	}

	// Повторный цикл не находит работу: строка уже опубликована.
	f.service.PublishDue(context.Background())
	if len(f.agent.writes) != 1 {
		t.Fatalf("опубликованная строка обработана повторно: %d пакетов", len(f.agent.writes))
	}
}

func TestPublishDueWaitsForPendingJob(t *testing.T) {
	f := newFixture(t)
	videoBlob := &domain.ThreadBlob{
		ID:     "v1",
		Source: domain.LocalSource{Data: []byte("frames"), MimeType: "video/mp4"},
	}
	thread := &domain.Thread{
		Posts: []domain.Post{{
			Text: "видео",
			Media: &domain.Media{
				Type:  domain.MediaVideo,
				Video: &domain.VideoMedia{VideoBlob: videoBlob, Size: domain.AspectRatio{Width: 1280, Height: 720}, Alt: "ролик"},
			},
		}},
	}
	uri := f.seed(t, thread, f.now.Add(-time.Minute))

	row := f.refs.row(t, uri)
	f.rehoster.outcomes[f.sealedLink(t, uri, row.StoredThreadKey, "v1")] = domain.BlobOutcome{JobID: "job-1"}
	f.agent.jobStatus["job-1"] = domain.VideoJobStatus{JobID: "job-1", State: "JOB_STATE_ENCODING"}

	f.service.UploadDueBlobs(context.Background())

	row = f.refs.row(t, uri)
	if row.BlobsUploadedAt == nil {
		t.Fatal("идентификатор задачи тоже считается итогом выгрузки")
	}
	if row.BlobDecryptionMap["v1"] == nil || row.BlobDecryptionMap["v1"].JobID != "job-1" {
		t.Fatalf("итог вложения неверен: %+v", row.BlobDecryptionMap["v1"])
	}

	f.service.PublishDue(context.Background())

	row = f.refs.row(t, uri)
	if len(f.agent.writes) != 0 {
		t.Fatal("тред опубликован до завершения обработки видео")
	}
	if row.PostedAt != nil {
		t.Fatal("строка отмечена опубликованной до готовности видео")
	}
	if row.LeaseExpiresAt != nil {
		t.Fatal("аренда не снята при отложенной публикации")
	}

	// Задача завершилась: следующий цикл публикует тред.
	f.agent.jobStatus["job-1"] = domain.VideoJobStatus{
		JobID: "job-1",
		State: "JOB_STATE_COMPLETED",
		Blob: &domain.BlobRef{
			Type:     "blob",
			Ref:      domain.BlobLink{Link: rawCid(t, "pub-v1")},
			MimeType: "video/mp4",
		},
	}
	f.service.PublishDue(context.Background())

	row = f.refs.row(t, uri)
	if len(f.agent.writes) != 1 || row.PostedAt == nil {
		t.Fatal("тред не опубликован после завершения обработки видео")
	}
	embed, ok := f.agent.writes[0][0].Value["embed"].(map[string]any)
	if !ok || embed["$type"] != "app.bsky.embed.video" {
		t.Fatalf("вложение записи неверно: %+v", embed)
	}
}

func TestPublishDueSkipsMissedWindow(t *testing.T) {
	f := newFixture(t)
	uri := f.seed(t, &domain.Thread{Posts: []domain.Post{{Text: "опоздавший"}}}, f.now.Add(-20*time.Minute))
	uploadedAt := f.now.Add(-19 * time.Minute)
	f.refs.rows[uri].BlobsUploadedAt = &uploadedAt

	f.service.PublishDue(context.Background())

	row := f.refs.row(t, uri)
	if row.PostedAt != nil || len(f.agent.writes) != 0 {
		t.Fatal("тред за пределами окна задержки не должен публиковаться")
	}
}

func TestMarkPublishedAtMostOnce(t *testing.T) {
	f := newFixture(t)
	uri := f.seed(t, &domain.Thread{Posts: []domain.Post{{Text: "гонка"}}}, f.now)

	const attempts = 8
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.refs.MarkPublished(context.Background(), uri, fmt.Sprintf("at://%s/%s/k%d", testDid, PostCollection, i), f.now)
			if err != nil {
				t.Errorf("ошибка отметки публикации: %v", err)
			}
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("переход выполнили %d попыток вместо одной", winners)
	}
}

func TestPublishDueCreatedAtFormat(t *testing.T) {
	f := newFixture(t)
	uri := f.seed(t, &domain.Thread{Posts: []domain.Post{{Text: "один"}}}, f.now)
	uploadedAt := f.now
	f.refs.rows[uri].BlobsUploadedAt = &uploadedAt

	f.service.PublishDue(context.Background())

	if len(f.agent.writes) != 1 {
		t.Fatal("тред не опубликован")
	}
	createdAt, _ := f.agent.writes[0][0].Value["createdAt"].(string)
	if !strings.HasSuffix(createdAt, "Z") || len(createdAt) != len("2006-01-02T15:04:05.000Z") {
		t.Fatalf("формат createdAt неверен: %q", createdAt)
	}
}
