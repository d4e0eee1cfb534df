package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	j, err := NewJournal(db, "sqlite", 100, nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	return j
}

func TestRecordAndQuery(t *testing.T) {
	j := testJournal(t)

	j.Record(Record{ClientID: "key-1", Tool: "create_crew", Outcome: OutcomeOK, LatencyMS: 12})
	j.Record(Record{ClientID: "key-1", Tool: "get_crew_status", Outcome: OutcomeOK})
	j.Record(Record{ClientID: "key-2", Tool: "create_crew", Outcome: OutcomeDenied})

	byClient := j.Query(Filter{ClientID: "key-1"})
	if len(byClient) != 2 {
		t.Fatalf("client filter: %d records, want 2", len(byClient))
	}
	if byClient[0].Tool != "get_crew_status" {
		t.Fatalf("newest first expected, got %s", byClient[0].Tool)
	}

	byOutcome := j.Query(Filter{Outcome: OutcomeDenied})
	if len(byOutcome) != 1 || byOutcome[0].ClientID != "key-2" {
		t.Fatalf("outcome filter failed: %+v", byOutcome)
	}

	if j.Count() != 3 {
		t.Fatalf("count = %d, want 3", j.Count())
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	j := testJournal(t)
	j.Record(Record{ClientID: "k", Tool: "health_check", Outcome: OutcomeOK})

	recent := j.Recent(1)
	if len(recent) != 1 {
		t.Fatal("record missing")
	}
	if recent[0].ID == "" || recent[0].Timestamp.IsZero() {
		t.Fatalf("id/timestamp not filled: %+v", recent[0])
	}
}

func TestPersistedSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	j, err := NewJournal(db, "sqlite", 100, nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	j.Record(Record{ClientID: "k", Tool: "start_crew", Outcome: OutcomeOK, ArgDigest: "abc"})
	_ = db.Close()

	db2, err := sql.Open("sqlite", filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()

	j2, err := NewJournal(db2, "sqlite", 100, nil)
	if err != nil {
		t.Fatalf("reload journal: %v", err)
	}
	recent := j2.Recent(10)
	if len(recent) != 1 || recent[0].Tool != "start_crew" || recent[0].ArgDigest != "abc" {
		t.Fatalf("reload lost record: %+v", recent)
	}
}

func TestQueryPersistedFilters(t *testing.T) {
	j := testJournal(t)
	j.Record(Record{ClientID: "a", Tool: "create_crew", Outcome: OutcomeOK})
	j.Record(Record{ClientID: "b", Tool: "emergency_stop", Outcome: OutcomeError})

	got, err := j.QueryPersisted(context.Background(), Filter{Tool: "emergency_stop"})
	if err != nil {
		t.Fatalf("query persisted: %v", err)
	}
	if len(got) != 1 || got[0].ClientID != "b" {
		t.Fatalf("persisted filter failed: %+v", got)
	}
}

func TestPurge(t *testing.T) {
	j := testJournal(t)
	j.Record(Record{
		ClientID:  "k",
		Tool:      "old_call",
		Outcome:   OutcomeOK,
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	})
	j.Record(Record{ClientID: "k", Tool: "new_call", Outcome: OutcomeOK})

	deleted, err := j.Purge(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if j.Count() != 1 {
		t.Fatalf("count after purge = %d, want 1", j.Count())
	}
}

func TestRingBound(t *testing.T) {
	l := NewLog(5)
	for i := 0; i < 20; i++ {
		l.Record(Record{ClientID: "k", Tool: "t", Outcome: OutcomeOK})
	}
	if l.Count() != 5 {
		t.Fatalf("ring = %d, want 5", l.Count())
	}
}

func TestDigestArgsStable(t *testing.T) {
	a := DigestArgs(map[string]any{"goal": "x", "n": 3})
	b := DigestArgs(map[string]any{"goal": "x", "n": 3})
	if a == "" || a != b {
		t.Fatalf("digest unstable: %q vs %q", a, b)
	}
	if c := DigestArgs(map[string]any{"goal": "y"}); c == a {
		t.Fatal("distinct args collide")
	}
}
