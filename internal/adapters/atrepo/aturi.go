package atrepo

import (
	"fmt"
	"strings"
)

// AtURI — разобранный адрес записи вида at://did/collection/rkey.
type AtURI struct {
	Did        string
	Collection string
	Rkey       string
}

// ParseAtURI разбирает адрес записи.
func ParseAtURI(raw string) (AtURI, error) {
	rest, ok := strings.CutPrefix(raw, "at://")
	if !ok {
		return AtURI{}, fmt.Errorf("invalid at-uri %q", raw)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AtURI{}, fmt.Errorf("invalid at-uri %q", raw)
	}
	return AtURI{Did: parts[0], Collection: parts[1], Rkey: parts[2]}, nil
}

// String собирает адрес обратно в текстовую форму.
func (u AtURI) String() string {
	return "at://" + u.Did + "/" + u.Collection + "/" + u.Rkey
}
