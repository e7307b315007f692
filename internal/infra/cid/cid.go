// Package cid вычисляет детерминированные идентификаторы содержимого
// записей: каноническая форма кодируется в детерминированный CBOR,
// хэшируется SHA-256 и оборачивается в CIDv1 с кодеком dag-cbor.
package cid

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"bsky-scheduler/internal/domain"
)

const linkTagNumber = 42

var encMode cbor.EncMode

func init() {
	// Ключи карт сортируются сначала по длине, затем побайтово —
	// канонический порядок dag-cbor.
	mode, err := cbor.EncOptions{Sort: cbor.SortLengthFirst}.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = mode
}

// Compute возвращает текстовый идентификатор содержимого записи.
// Структурно равные записи дают одинаковый идентификатор независимо от
// порядка построения.
func Compute(record map[string]any) (string, error) {
	prepared, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	encoded, err := encMode.Marshal(prepared)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	digest, err := mh.Sum(encoded, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return gocid.NewCidV1(gocid.DagCBOR, digest).String(), nil
}

// Canonicalize приводит запись к канонической форме: отбрасывает
// отсутствующие значения, сохраняет порядок элементов массивов и
// заменяет ссылки на блобы их канонической ссылочной формой.
// Повторное применение не меняет результат.
func Canonicalize(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case *domain.BlobRef:
		if value == nil {
			return nil, nil
		}
		return canonicalBlobRef(*value)
	case domain.BlobRef:
		return canonicalBlobRef(value)
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(value))
		for _, key := range keys {
			if value[key] == nil {
				continue
			}
			prepared, err := Canonicalize(value[key])
			if err != nil {
				return nil, err
			}
			if prepared == nil {
				continue
			}
			out[key] = prepared
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			prepared, err := Canonicalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = prepared
		}
		return out, nil
	case string, bool, int, int32, int64, uint, uint32, uint64, float64, []byte, cbor.Tag:
		return value, nil
	default:
		return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
	}
}

// canonicalBlobRef строит ссылочную форму блоба: $type, ссылка как
// CBOR-тег 42 поверх байтов идентификатора с нулевым префиксом,
// mime-тип и размер.
func canonicalBlobRef(ref domain.BlobRef) (any, error) {
	parsed, err := gocid.Decode(ref.Ref.Link)
	if err != nil {
		return nil, fmt.Errorf("decode blob link %q: %w", ref.Ref.Link, err)
	}
	linkBytes := append([]byte{0x00}, parsed.Bytes()...)
	return map[string]any{
		"$type":    "blob",
		"ref":      cbor.Tag{Number: linkTagNumber, Content: linkBytes},
		"mimeType": ref.MimeType,
		"size":     ref.Size,
	}, nil
}
