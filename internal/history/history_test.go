package history

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s, db
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := testStore(t)

	e, err := s.Record("prod", "traces | take 10", 10, false, 420*time.Millisecond)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if e.ID == uuid.Nil {
		t.Error("expected a generated ID")
	}
	if e.DurationMS != 420 {
		t.Errorf("DurationMS = %d", e.DurationMS)
	}

	if _, err := s.Record("prod", "exceptions | take 5", 5, true, time.Millisecond); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent returned %d entries", len(entries))
	}
	for _, got := range entries {
		if got.Connection != "prod" {
			t.Errorf("Connection = %q", got.Connection)
		}
	}

	limited, err := s.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Recent(1) returned %d entries", len(limited))
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	s, _ := testStore(t)

	for range 25 {
		if _, err := s.Record("prod", "traces", 0, false, 0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := s.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 20 {
		t.Errorf("Recent(0) returned %d entries, want default 20", len(entries))
	}
}

func TestSearch(t *testing.T) {
	s, _ := testStore(t)

	if _, err := s.Record("prod", "pageViews | where duration > 3000", 7, false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record("prod", "exceptions | take 20", 20, false, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search("pageviews", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].RowCount != 7 {
		t.Errorf("Search returned %+v", got)
	}

	none, err := s.Search("availabilityResults", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches, got %d", len(none))
	}
}

func TestSearchMatchesWildcardsLiterally(t *testing.T) {
	s, _ := testStore(t)

	if _, err := s.Record("prod", "traces | where message contains '100%'", 3, false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record("prod", "requests | take 1", 1, false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record("prod", "customEvents | where name == 'page_view'", 2, false, 0); err != nil {
		t.Fatal(err)
	}

	percent, err := s.Search("%", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(percent) != 1 || percent[0].RowCount != 3 {
		t.Errorf("Search(%%) returned %+v, want only the literal-percent entry", percent)
	}

	underscore, err := s.Search("page_view", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(underscore) != 1 || underscore[0].RowCount != 2 {
		t.Errorf("Search(page_view) returned %+v", underscore)
	}

	// An unescaped _ would match any character, turning "take_1"
	// into a hit for "take 1".
	none, err := s.Search("take_1", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Search(take_1) matched %d entries, want 0", len(none))
	}
}

func TestPrune(t *testing.T) {
	s, db := testStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	id, _ := uuid.NewV7()
	_, err := db.Exec(`
		INSERT INTO history (id, connection, query, row_count, cached, duration_ms, executed_at)
		VALUES (?, 'prod', 'traces', 0, 0, 0, ?)
	`, id.String(), old.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("seed old entry: %v", err)
	}
	if _, err := s.Record("prod", "requests | take 1", 1, false, 0); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Prune(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune removed %d entries, want 1", removed)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Query != "requests | take 1" {
		t.Errorf("unexpected survivors: %+v", entries)
	}
}
