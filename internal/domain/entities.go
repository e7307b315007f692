package domain

import (
	"encoding/json"
	"time"
)

// InteractionSettings описывает настройки взаимодействия с тредом.
type InteractionSettings struct {
	Quotes  bool   `json:"quotes"`
	Replies string `json:"replies"`
}

// Допустимые значения InteractionSettings.Replies.
const (
	RepliesAll                  = "all"
	RepliesMentioned            = "mentioned"
	RepliesFollowed             = "followed"
	RepliesMentionedAndFollowed = "mentioned-and-followed"
	RepliesNone                 = "none"
)

// ByteSlice задаёт диапазон байтов в тексте поста.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// Типы элементов разметки.
const (
	FacetMention = "app.bsky.richtext.facet#mention"
	FacetTag     = "app.bsky.richtext.facet#tag"
	FacetLink    = "app.bsky.richtext.facet#link"
)

// FacetFeature — один элемент разметки: упоминание, тег или ссылка.
type FacetFeature struct {
	Type string `json:"$type"`
	Did  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// Facet привязывает элементы разметки к диапазону байтов.
type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

// PostLabels содержит метки поста: метку взрослого контента и прочие.
type PostLabels struct {
	AdultContent string   `json:"adultContent,omitempty"`
	Other        []string `json:"other,omitempty"`
}

// Values возвращает плоский список значений меток.
func (l PostLabels) Values() []string {
	values := make([]string, 0, 1+len(l.Other))
	if l.AdultContent != "" {
		values = append(values, l.AdultContent)
	}
	return append(values, l.Other...)
}

// Типы медиавложений поста.
const (
	MediaImages  = "images"
	MediaVideo   = "video"
	MediaGif     = "gif"
	MediaWebsite = "website"
)

// AspectRatio описывает пропорции изображения или видео.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageMedia — одно изображение вложения.
type ImageMedia struct {
	ImageBlob *ThreadBlob `json:"imageBlob"`
	Size      AspectRatio `json:"size"`
	Alt       string      `json:"alt"`
}

// VideoMedia — видео с необязательными субтитрами.
type VideoMedia struct {
	VideoBlob    *ThreadBlob `json:"videoBlob"`
	CaptionsBlob *ThreadBlob `json:"captionsBlob,omitempty"`
	Size         AspectRatio `json:"size"`
	Alt          string      `json:"alt"`
}

// GifMedia — анимация с внешним источником и миниатюрой.
type GifMedia struct {
	Src           string      `json:"src"`
	Alt           string      `json:"alt"`
	ThumbnailBlob *ThreadBlob `json:"thumbnailBlob"`
}

// WebsiteMeta — метаданные карточки внешней ссылки.
type WebsiteMeta struct {
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	ThumbnailBlob *ThreadBlob `json:"thumbnailBlob,omitempty"`
}

// WebsiteMedia — карточка внешней ссылки.
type WebsiteMedia struct {
	URL  string      `json:"url"`
	Meta WebsiteMeta `json:"meta"`
}

// Media — медиавложение поста. Ровно одно из полей заполнено в
// соответствии с Type; потребители обязаны обрабатывать все варианты.
type Media struct {
	Type    string        `json:"type"`
	Images  []ImageMedia  `json:"images,omitempty"`
	Video   *VideoMedia   `json:"video,omitempty"`
	Gif     *GifMedia     `json:"gif,omitempty"`
	Website *WebsiteMedia `json:"website,omitempty"`
}

// Post — единица публикации внутри треда.
type Post struct {
	Text   string     `json:"text"`
	Facets []Facet    `json:"facets"`
	Labels PostLabels `json:"labels"`
	Media  *Media     `json:"media"`
}

// Thread — составленный тред: упорядоченные посты и общие настройки.
type Thread struct {
	Posts               []Post              `json:"posts"`
	InteractionSettings InteractionSettings `json:"interactionSettings"`
	Languages           []string            `json:"languages"`
}

// BlobsByPost возвращает вложения каждого поста в порядке следования.
func (t *Thread) BlobsByPost() [][]*ThreadBlob {
	byPost := make([][]*ThreadBlob, len(t.Posts))
	for i := range t.Posts {
		var postBlobs []*ThreadBlob
		media := t.Posts[i].Media
		if media == nil {
			byPost[i] = postBlobs
			continue
		}
		switch media.Type {
		case MediaImages:
			for j := range media.Images {
				postBlobs = append(postBlobs, media.Images[j].ImageBlob)
			}
		case MediaVideo:
			postBlobs = append(postBlobs, media.Video.VideoBlob)
			if media.Video.CaptionsBlob != nil {
				postBlobs = append(postBlobs, media.Video.CaptionsBlob)
			}
		case MediaGif:
			postBlobs = append(postBlobs, media.Gif.ThumbnailBlob)
		case MediaWebsite:
			if media.Website.Meta.ThumbnailBlob != nil {
				postBlobs = append(postBlobs, media.Website.Meta.ThumbnailBlob)
			}
		}
		byPost[i] = postBlobs
	}
	return byPost
}

// Blobs возвращает все вложения треда единым списком.
func (t *Thread) Blobs() []*ThreadBlob {
	var all []*ThreadBlob
	for _, postBlobs := range t.BlobsByPost() {
		all = append(all, postBlobs...)
	}
	return all
}

// Validate проверяет, что декодированный тред соответствует схеме.
func (t *Thread) Validate() error {
	if len(t.Posts) == 0 {
		return &ValidationError{Message: "thread has no posts"}
	}
	for i := range t.Posts {
		post := &t.Posts[i]
		for _, facet := range post.Facets {
			if facet.Index.ByteStart < 0 || facet.Index.ByteEnd < facet.Index.ByteStart {
				return &ValidationError{Message: "facet has invalid byte range"}
			}
			for _, feature := range facet.Features {
				switch feature.Type {
				case FacetMention, FacetTag, FacetLink:
				default:
					return &ValidationError{Message: "unknown facet feature " + feature.Type}
				}
			}
		}
		if post.Media == nil {
			continue
		}
		switch post.Media.Type {
		case MediaImages:
			if len(post.Media.Images) == 0 {
				return &ValidationError{Message: "images media has no images"}
			}
		case MediaVideo:
			if post.Media.Video == nil || post.Media.Video.VideoBlob == nil {
				return &ValidationError{Message: "video media has no video blob"}
			}
		case MediaGif:
			if post.Media.Gif == nil || post.Media.Gif.ThumbnailBlob == nil {
				return &ValidationError{Message: "gif media has no thumbnail blob"}
			}
		case MediaWebsite:
			if post.Media.Website == nil {
				return &ValidationError{Message: "website media has no card"}
			}
		default:
			return &ValidationError{Message: "unknown media type " + post.Media.Type}
		}
	}
	return nil
}

// BlobLink — ссылочная часть ссылки на блоб.
type BlobLink struct {
	Link string `json:"$link"`
}

// BlobRef — ссылка на физический блоб в удалённом репозитории.
type BlobRef struct {
	Type     string   `json:"$type,omitempty"`
	Ref      BlobLink `json:"ref"`
	MimeType string   `json:"mimeType"`
	Size     int64    `json:"size,omitempty"`
}

// BlobMeta — расшифрованные метаданные блоба.
type BlobMeta struct {
	MimeType string `json:"mimeType"`
}

// StoredThreadBlob — блоб сохранённого треда: зашифрованная ссылка,
// владелец и расшифрованные метаданные.
type StoredThreadBlob struct {
	BlobRef BlobRef
	Did     string
	Meta    BlobMeta
}

// ThreadRef — строка задания в реляционном хранилище. Состояние
// строки выводится только из наличия временных отметок: черновик
// (scheduledFor == nil), ожидает вложения, вложения готовы,
// опубликован.
type ThreadRef struct {
	StoredThreadURI   string
	StoredThreadKey   string
	StoredAt          time.Time
	PostAsDid         string
	PrefetchBlobCIDs  []string
	BlobDecryptionMap map[string]*BlobOutcome
	LeaseExpiresAt    *time.Time
	BlobsUploadedAt   *time.Time
	ScheduledFor      *time.Time
	PostedAt          *time.Time
	FirstPostURI      *string
}

// BlobOutcome — результат материализации блоба: либо итоговый CID,
// либо идентификатор незавершённой задачи обработки. nil-значение в
// карте означает, что материализация ещё не начиналась.
type BlobOutcome struct {
	CID   string `json:"cid,omitempty"`
	JobID string `json:"jobId,omitempty"`
}

// OwnerIdentity — учётная запись владельца с материалом сессии
// удалённого репозитория. Содержимое сессии непрозрачно для ядра.
type OwnerIdentity struct {
	Did        string
	ServiceURL string
	AccessJWT  string
	RefreshJWT string
	CreatedAt  time.Time
}

// ScheduleWindows — временные окна конвейера доставки.
type ScheduleWindows struct {
	// UploadLeadTime — за сколько до запланированного времени
	// начинать выгрузку вложений.
	UploadLeadTime time.Duration
	// UploadLease — длительность аренды строки на фазе выгрузки.
	UploadLease time.Duration
	// MaxPostDelay — максимальная задержка публикации после
	// запланированного времени; более старые треды не публикуются.
	MaxPostDelay time.Duration
	// PublishLease — длительность аренды строки на фазе публикации.
	PublishLease time.Duration
}

// RecordWrite — одна запись пакетной операции applyWrites.
type RecordWrite struct {
	Collection string
	Rkey       string
	Value      map[string]any
}

// CreatedRecord — результат создания записи в репозитории.
type CreatedRecord struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// VideoJobStatus — состояние асинхронной задачи обработки видео.
type VideoJobStatus struct {
	JobID string   `json:"jobId"`
	State string   `json:"state"`
	Blob  *BlobRef `json:"blob,omitempty"`
}

// StoredThreadInfo — результат сохранения треда в репозитории.
type StoredThreadInfo struct {
	URI              string
	KeyJWK           string
	BlobIDs          []string
	PrefetchBlobCIDs []string
}

// CloneBlobDecryptionMap копирует карту расшифровки без разделения
// значений с оригиналом.
func CloneBlobDecryptionMap(m map[string]*BlobOutcome) map[string]*BlobOutcome {
	clone := make(map[string]*BlobOutcome, len(m))
	for id, outcome := range m {
		if outcome == nil {
			clone[id] = nil
			continue
		}
		copied := *outcome
		clone[id] = &copied
	}
	return clone
}

// MarshalBlobDecryptionMap сериализует карту расшифровки для хранения.
func MarshalBlobDecryptionMap(m map[string]*BlobOutcome) ([]byte, error) {
	if m == nil {
		m = map[string]*BlobOutcome{}
	}
	return json.Marshal(m)
}
