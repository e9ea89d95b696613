package grantrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// GrantJournalFactory builds a journal from a DSN.
type GrantJournalFactory func(dsn string) (GrantJournal, error)

var journalFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]GrantJournalFactory
}{
	factories: map[string]GrantJournalFactory{},
}

// RegisterJournalFactory installs a factory for a DSN scheme, overriding any
// built-in handling for that scheme.
func RegisterJournalFactory(scheme string, factory GrantJournalFactory) {
	scheme = normalizeJournalScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	journalFactoryRegistry.mu.Lock()
	defer journalFactoryRegistry.mu.Unlock()
	journalFactoryRegistry.factories[scheme] = factory
}

func lookupJournalFactory(scheme string) (GrantJournalFactory, bool) {
	scheme = normalizeJournalScheme(scheme)
	journalFactoryRegistry.mu.RLock()
	defer journalFactoryRegistry.mu.RUnlock()
	factory, ok := journalFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildJournalFromDSN resolves a journal implementation from a DSN. An empty
// DSN yields the in-memory journal.
func BuildJournalFromDSN(dsn string) (GrantJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryJournal(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeJournalScheme(parsed.Scheme)
	if factory, ok := lookupJournalFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryJournal(0), nil
	case "postgres", "postgresql":
		return NewPostgresJournal(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: journal backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported journal scheme: %s", scheme)
	}
}

func normalizeJournalScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
