package grantrelay

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryJournalNewestFirst(t *testing.T) {
	journal := NewMemoryJournal(10)
	for _, id := range []string{"a", "b", "c"} {
		if err := journal.Record(GrantRecord{EntityID: id, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	records, err := journal.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 || records[0].EntityID != "c" || records[1].EntityID != "b" {
		t.Fatalf("expected newest first [c b], got %v", records)
	}
}

func TestMemoryJournalTruncatesAtCapacity(t *testing.T) {
	journal := NewMemoryJournal(3)
	for i := 0; i < 5; i++ {
		_ = journal.Record(GrantRecord{EntityID: string(rune('a' + i))})
	}
	records, _ := journal.Recent(0)
	if len(records) != 3 {
		t.Fatalf("expected capacity-bound 3 records, got %d", len(records))
	}
	if records[0].EntityID != "e" || records[2].EntityID != "c" {
		t.Fatalf("oldest records must be dropped, got %v", records)
	}
}

func TestBuildJournalFromDSN(t *testing.T) {
	cases := []struct {
		dsn      string
		wantMem  bool
		wantPg   bool
		wantFail bool
	}{
		{dsn: "", wantMem: true},
		{dsn: "memory://", wantMem: true},
		{dsn: "inmem://", wantMem: true},
		{dsn: "postgres://localhost/grants", wantPg: true},
		{dsn: "postgresql://localhost/grants", wantPg: true},
		{dsn: "mysql://localhost/grants", wantFail: true},
		{dsn: "bogus://x", wantFail: true},
	}
	for _, tc := range cases {
		journal, err := BuildJournalFromDSN(tc.dsn)
		if tc.wantFail {
			if err == nil {
				t.Fatalf("dsn %q: expected error", tc.dsn)
			}
			continue
		}
		if err != nil {
			t.Fatalf("dsn %q: %v", tc.dsn, err)
		}
		switch {
		case tc.wantMem:
			if _, ok := journal.(*MemoryJournal); !ok {
				t.Fatalf("dsn %q: expected memory journal, got %T", tc.dsn, journal)
			}
		case tc.wantPg:
			if _, ok := journal.(*PostgresJournal); !ok {
				t.Fatalf("dsn %q: expected postgres journal, got %T", tc.dsn, journal)
			}
		}
		_ = journal.Close()
	}
}

func TestBuildJournalFromDSNNotImplemented(t *testing.T) {
	_, err := BuildJournalFromDSN("sqlite:///tmp/j.db")
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestRegisterJournalFactoryOverride(t *testing.T) {
	custom := NewMemoryJournal(1)
	RegisterJournalFactory("custom", func(dsn string) (GrantJournal, error) {
		return custom, nil
	})
	journal, err := BuildJournalFromDSN("custom://anything")
	if err != nil {
		t.Fatalf("BuildJournalFromDSN: %v", err)
	}
	if journal != GrantJournal(custom) {
		t.Fatalf("expected registered factory result, got %T", journal)
	}
}

func TestPostgresJournalRequiresDSN(t *testing.T) {
	if _, err := NewPostgresJournal("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
