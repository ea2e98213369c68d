package schedrelay

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildDocumentBackendFromDSN maps a DSN to a backend: bare paths and
// file:// are file-backed, memory:// is in-memory, postgres:// opens the
// shared snapshot table using docName as the row key.
func BuildDocumentBackendFromDSN(dsn, docName string) (DocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDocumentBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryDocumentBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresDocumentBackend(dsn, docName)
	default:
		return nil, fmt.Errorf("unsupported document backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
