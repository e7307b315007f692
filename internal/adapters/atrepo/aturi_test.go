package atrepo

import "testing"

func TestParseAtURI(t *testing.T) {
	uri, err := ParseAtURI("at://did:plc:abc123/io.example.thread/3kxyz")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if uri.Did != "did:plc:abc123" || uri.Collection != "io.example.thread" || uri.Rkey != "3kxyz" {
		t.Fatalf("адрес разобран неверно: %+v", uri)
	}
	if uri.String() != "at://did:plc:abc123/io.example.thread/3kxyz" {
		t.Fatalf("обратная сборка адреса неверна: %s", uri.String())
	}
}

func TestParseAtURIRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "https://example.com", "at://did:plc:abc", "at://did:plc:abc/coll", "at:///coll/rkey"} {
		if _, err := ParseAtURI(raw); err == nil {
			t.Fatalf("ожидали ошибку для %q", raw)
		}
	}
}
