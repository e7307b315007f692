package domain

import "encoding/json"

// ThreadBlob — вложение треда. Идентификатор стабилен на всём пути от
// редактирования до публикации; источник данных меняется только вперёд:
// local → remoteEncrypted → remoteUnencrypted.
type ThreadBlob struct {
	ID     string
	Source BlobSource
}

// BlobSource — источник байтов вложения. Закрытое множество вариантов;
// каждое место потребления обязано разбирать все варианты и отвергать
// неизвестные.
type BlobSource interface {
	isBlobSource()
}

// LocalSource — сырые байты доступны в процессе.
type LocalSource struct {
	Data     []byte
	MimeType string
}

// RemoteEncryptedSource — байты лежат в удалённом репозитории,
// зашифрованы известным ключом.
type RemoteEncryptedSource struct {
	Stored StoredThreadBlob
	KeyJWK string
}

// RemoteUnencryptedSource — байты уже материализованы в целевом
// репозитории. Либо Ref указывает итоговую ссылку, либо PendingJobID
// обозначает незавершённую задачу обработки.
type RemoteUnencryptedSource struct {
	Did          string
	Ref          *BlobRef
	PendingJobID string
}

func (LocalSource) isBlobSource()             {}
func (RemoteEncryptedSource) isBlobSource()   {}
func (RemoteUnencryptedSource) isBlobSource() {}

// MimeType возвращает mime-тип вложения согласно текущему источнику.
func (b *ThreadBlob) MimeType() string {
	switch src := b.Source.(type) {
	case LocalSource:
		return src.MimeType
	case RemoteEncryptedSource:
		return src.Stored.Meta.MimeType
	case RemoteUnencryptedSource:
		if src.Ref != nil {
			return src.Ref.MimeType
		}
		return ""
	default:
		return ""
	}
}

// В теле сохранённого треда вложение представлено только идентификатором;
// источник данных привязывается после загрузки документа.
type threadBlobJSON struct {
	ID string `json:"id"`
}

// MarshalJSON реализует json.Marshaler.
func (b *ThreadBlob) MarshalJSON() ([]byte, error) {
	return json.Marshal(threadBlobJSON{ID: b.ID})
}

// UnmarshalJSON реализует json.Unmarshaler.
func (b *ThreadBlob) UnmarshalJSON(data []byte) error {
	var decoded threadBlobJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	b.ID = decoded.ID
	return nil
}
