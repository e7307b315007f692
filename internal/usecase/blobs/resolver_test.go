package blobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bsky-scheduler/internal/domain"
)

type stubRehoster struct {
	outcome domain.BlobOutcome
	err     error
	calls   int
}

func (r *stubRehoster) UploadBlob(context.Context, string, domain.StoredThreadBlob, string) (domain.BlobOutcome, error) {
	r.calls++
	return r.outcome, r.err
}

type stubAgent struct {
	status domain.VideoJobStatus
	err    error
	polls  int
}

func (a *stubAgent) Did() string { return "did:plc:owner" }

func (a *stubAgent) GetRecord(context.Context, string, string, string) (json.RawMessage, error) {
	return nil, errors.New("unexpected GetRecord call")
}

func (a *stubAgent) CreateRecord(context.Context, string, map[string]any) (domain.CreatedRecord, error) {
	return domain.CreatedRecord{}, errors.New("unexpected CreateRecord call")
}

func (a *stubAgent) UploadBlob(context.Context, []byte, string) (domain.BlobRef, error) {
	return domain.BlobRef{}, errors.New("unexpected UploadBlob call")
}

func (a *stubAgent) ApplyWrites(context.Context, []domain.RecordWrite) error {
	return errors.New("unexpected ApplyWrites call")
}

func (a *stubAgent) GetBlob(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("unexpected GetBlob call")
}

func (a *stubAgent) UploadVideo(context.Context, []byte) (string, error) {
	return "", errors.New("unexpected UploadVideo call")
}

func (a *stubAgent) GetVideoJobStatus(context.Context, string) (domain.VideoJobStatus, error) {
	a.polls++
	return a.status, a.err
}

func encryptedBlob(id string) *domain.ThreadBlob {
	return &domain.ThreadBlob{
		ID: id,
		Source: domain.RemoteEncryptedSource{
			Stored: domain.StoredThreadBlob{
				BlobRef: domain.BlobRef{Type: "blob", Ref: domain.BlobLink{Link: "bafysealed"}, MimeType: "application/octet-stream"},
				Did:     "did:plc:owner",
				Meta:    domain.BlobMeta{MimeType: "image/png"},
			},
			KeyJWK: "ключ",
		},
	}
}

func TestMaterializeRehostsEncrypted(t *testing.T) {
	rehoster := &stubRehoster{outcome: domain.BlobOutcome{CID: "bafypublic"}}
	resolver := NewResolver(rehoster)
	blob := encryptedBlob("b1")

	outcome, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", &stubAgent{})
	if err != nil {
		t.Fatalf("материализация не удалась: %v", err)
	}
	if outcome.CID != "bafypublic" {
		t.Fatalf("итог неверен: %+v", outcome)
	}

	src, ok := blob.Source.(domain.RemoteUnencryptedSource)
	if !ok || src.Ref == nil {
		t.Fatalf("источник не переведён вперёд: %T", blob.Source)
	}
	if src.Ref.Ref.Link != "bafypublic" || src.Ref.MimeType != "image/png" {
		t.Fatalf("итоговая ссылка неверна: %+v", src.Ref)
	}
}

func TestMaterializeResolvedIsNoop(t *testing.T) {
	rehoster := &stubRehoster{}
	resolver := NewResolver(rehoster)
	agent := &stubAgent{}
	blob := &domain.ThreadBlob{
		ID: "b1",
		Source: domain.RemoteUnencryptedSource{
			Did: "did:plc:owner",
			Ref: &domain.BlobRef{Type: "blob", Ref: domain.BlobLink{Link: "bafypublic"}, MimeType: "image/png"},
		},
	}

	outcome, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", agent)
	if err != nil {
		t.Fatalf("материализация не удалась: %v", err)
	}
	if outcome.CID != "bafypublic" {
		t.Fatalf("итог неверен: %+v", outcome)
	}
	if rehoster.calls != 0 || agent.polls != 0 {
		t.Fatal("материализованное вложение не должно ходить в сеть")
	}
}

func TestMaterializePendingJobNotReady(t *testing.T) {
	resolver := NewResolver(&stubRehoster{})
	agent := &stubAgent{status: domain.VideoJobStatus{JobID: "job-1", State: "JOB_STATE_ENCODING"}}
	blob := &domain.ThreadBlob{
		ID:     "v1",
		Source: domain.RemoteUnencryptedSource{Did: "did:plc:owner", PendingJobID: "job-1"},
	}

	_, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", agent)
	if !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("для незавершённой задачи ожидалась ErrNotReady, получено %v", err)
	}
	if agent.polls != 1 {
		t.Fatalf("задача опрошена %d раз вместо одного", agent.polls)
	}
	src, ok := blob.Source.(domain.RemoteUnencryptedSource)
	if !ok || src.PendingJobID != "job-1" {
		t.Fatalf("источник изменился до готовности задачи: %+v", blob.Source)
	}
}

func TestMaterializePendingJobCompleted(t *testing.T) {
	resolver := NewResolver(&stubRehoster{})
	agent := &stubAgent{status: domain.VideoJobStatus{
		JobID: "job-1",
		State: "JOB_STATE_COMPLETED",
		Blob:  &domain.BlobRef{Type: "blob", Ref: domain.BlobLink{Link: "bafyvideo"}, MimeType: "video/mp4"},
	}}
	blob := &domain.ThreadBlob{
		ID:     "v1",
		Source: domain.RemoteUnencryptedSource{Did: "did:plc:owner", PendingJobID: "job-1"},
	}

	outcome, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", agent)
	if err != nil {
		t.Fatalf("материализация не удалась: %v", err)
	}
	if outcome.CID != "bafyvideo" {
		t.Fatalf("итог неверен: %+v", outcome)
	}
	src, ok := blob.Source.(domain.RemoteUnencryptedSource)
	if !ok || src.Ref == nil || src.Ref.Ref.Link != "bafyvideo" {
		t.Fatalf("источник не переведён к итоговой ссылке: %+v", blob.Source)
	}
}

func TestMaterializeRehostReturnsJobID(t *testing.T) {
	rehoster := &stubRehoster{outcome: domain.BlobOutcome{JobID: "job-9"}}
	resolver := NewResolver(rehoster)
	blob := encryptedBlob("v1")

	outcome, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", &stubAgent{})
	if err != nil {
		t.Fatalf("материализация не удалась: %v", err)
	}
	if outcome.JobID != "job-9" || outcome.CID != "" {
		t.Fatalf("итог неверен: %+v", outcome)
	}
	src, ok := blob.Source.(domain.RemoteUnencryptedSource)
	if !ok || src.PendingJobID != "job-9" {
		t.Fatalf("источник не перешёл к ожиданию задачи: %+v", blob.Source)
	}
}

func TestMaterializeUnsupportedSource(t *testing.T) {
	resolver := NewResolver(&stubRehoster{})
	blob := &domain.ThreadBlob{
		ID:     "b1",
		Source: domain.LocalSource{Data: []byte("x"), MimeType: "image/png"},
	}

	var unsupported *domain.UnsupportedDataSourceError
	if _, err := resolver.Materialize(context.Background(), blob, "ключ", "did:plc:owner", &stubAgent{}); !errors.As(err, &unsupported) {
		t.Fatalf("для локального источника ожидалась UnsupportedDataSourceError, получено %v", err)
	}
}
