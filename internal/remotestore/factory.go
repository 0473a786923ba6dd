package remotestore

import (
	"fmt"
	"strings"
	"sync"
)

// ClientFactory builds a Client from a full DSN. External store backends
// register themselves by scheme; the built-in schemes cover postgres and
// an in-memory store for tests.
type ClientFactory func(dsn string, opts ClientOptions) (Client, error)

type ClientOptions struct {
	// RealtimeURL, when set, points the Postgres client at a websocket
	// change-feed gateway instead of LISTEN/NOTIFY.
	RealtimeURL string
}

var clientFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ClientFactory
}{
	factories: map[string]ClientFactory{},
}

func RegisterClientFactory(scheme string, factory ClientFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	clientFactoryRegistry.mu.Lock()
	defer clientFactoryRegistry.mu.Unlock()
	clientFactoryRegistry.factories[scheme] = factory
}

func lookupClientFactory(scheme string) (ClientFactory, bool) {
	scheme = normalizeScheme(scheme)
	clientFactoryRegistry.mu.RLock()
	defer clientFactoryRegistry.mu.RUnlock()
	factory, ok := clientFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildClientFromDSN(dsn string, opts ClientOptions) (Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupClientFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgresClient(dsn, opts)
	case "memory", "mem", "inmem":
		return NewMemoryClient(), nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return ""
	}
	return normalizeScheme(dsn[:idx])
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
