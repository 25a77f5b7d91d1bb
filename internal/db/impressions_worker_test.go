package db

import (
	"context"
	"testing"
)

func seedEvents(t *testing.T, db *DB, events []VisibilityEvent) {
	t.Helper()
	if err := db.InsertEvents(context.Background(), events); err != nil {
		t.Fatalf("failed to seed events: %v", err)
	}
}

func TestRunRangePairsEnterExit(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 5000, 105),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 0, 200); err != nil {
		t.Fatalf("RunRange failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 1 {
		t.Fatalf("expected 1 impression, got %d", len(imps))
	}

	imp := imps[0]
	if imp.SessionID != "sess_a" || imp.ElementID != "hero" || imp.Label != "50pct" {
		t.Errorf("impression identity mismatch: %+v", imp)
	}
	if imp.EnterUnix != 100 || imp.ExitUnix != 105 {
		t.Errorf("expected span [100,105], got [%v,%v]", imp.EnterUnix, imp.ExitUnix)
	}
	if imp.DwellMs != 5000 {
		t.Errorf("expected dwell_ms 5000, got %v", imp.DwellMs)
	}
	if imp.MaxRatio != 0.6 {
		t.Errorf("expected max_ratio 0.6, got %v", imp.MaxRatio)
	}
	if imp.ForcedExit {
		t.Error("expected a natural exit")
	}
	if imp.ModelVersion != "v1" {
		t.Errorf("expected model_version v1, got %s", imp.ModelVersion)
	}
	if imp.ImpressionKey == "" {
		t.Error("expected a stable impression key")
	}

	// The touched hour got a rollup
	rollups, err := db.ListRollups(ctx, RollupFilter{})
	if err != nil {
		t.Fatalf("ListRollups failed: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 rollup, got %d", len(rollups))
	}
	r := rollups[0]
	if r.BucketUnix != 0 {
		t.Errorf("expected bucket 0, got %d", r.BucketUnix)
	}
	if r.Label != "50pct" {
		t.Errorf("expected label 50pct, got %s", r.Label)
	}
	if r.Impressions != 1 {
		t.Errorf("expected 1 impression in rollup, got %d", r.Impressions)
	}
	if r.MeanDwellMs != 5000 || r.P50DwellMs != 5000 || r.MaxDwellMs != 5000 {
		t.Errorf("expected all dwell stats 5000, got %+v", r)
	}
}

func TestRunRangeForcedExit(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	// Page hidden: forced exit carries ratio -1
	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.75, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, -1, 2000, 102),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 0, 200); err != nil {
		t.Fatalf("RunRange failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 1 {
		t.Fatalf("expected 1 impression, got %d", len(imps))
	}
	if !imps[0].ForcedExit {
		t.Error("expected forced_exit to be set")
	}
	if imps[0].MaxRatio != 0.75 {
		t.Errorf("expected max_ratio from the enter row, got %v", imps[0].MaxRatio)
	}
}

func TestRunRangeSkipsUnmatchedExit(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	// Exit whose enter fell before the window
	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", false, 0.2, 7000, 150),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 100, 200); err != nil {
		t.Fatalf("RunRange failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 0 {
		t.Errorf("expected no impressions from an unmatched exit, got %d", len(imps))
	}
}

func TestRunRangeReplacesUnclosedEnter(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	// The first enter's exit was lost; the second enter supersedes it
	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", true, 0.7, 0, 110),
		testEvent("sess_a", "hero", "50pct", false, 0.1, 4000, 115),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 0, 200); err != nil {
		t.Fatalf("RunRange failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 1 {
		t.Fatalf("expected 1 impression, got %d", len(imps))
	}
	if imps[0].EnterUnix != 110 {
		t.Errorf("expected the later enter to win, got enter_unix %v", imps[0].EnterUnix)
	}
}

func TestRunRangeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 5000, 105),
		testEvent("sess_b", "hero", "50pct", true, 0.8, 0, 120),
		testEvent("sess_b", "hero", "50pct", false, 0.2, 3000, 123),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 0, 200); err != nil {
		t.Fatalf("first RunRange failed: %v", err)
	}
	if err := w.RunRange(ctx, 0, 200); err != nil {
		t.Fatalf("second RunRange failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 2 {
		t.Errorf("expected 2 impressions after re-run, got %d", len(imps))
	}

	rollups, err := db.ListRollups(ctx, RollupFilter{})
	if err != nil {
		t.Fatalf("ListRollups failed: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 rollup after re-run, got %d", len(rollups))
	}
	if rollups[0].Impressions != 2 {
		t.Errorf("expected rollup over 2 impressions, got %d", rollups[0].Impressions)
	}
}

func TestRollupAggregatesHour(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	// Three impressions in hour bucket 3600, one in bucket 7200
	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 3700),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 1000, 3701),
		testEvent("sess_b", "hero", "50pct", true, 0.6, 0, 3800),
		testEvent("sess_b", "hero", "50pct", false, 0.3, 2000, 3802),
		testEvent("sess_c", "hero", "50pct", true, 0.6, 0, 3900),
		testEvent("sess_c", "hero", "50pct", false, 0.3, 3000, 3903),
		testEvent("sess_d", "hero", "50pct", true, 0.6, 0, 7300),
		testEvent("sess_d", "hero", "50pct", false, 0.3, 9000, 7309),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunRange(ctx, 0, 8000); err != nil {
		t.Fatalf("RunRange failed: %v", err)
	}

	rollups, err := db.ListRollups(ctx, RollupFilter{})
	if err != nil {
		t.Fatalf("ListRollups failed: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("expected 2 rollups, got %d", len(rollups))
	}

	first := rollups[0]
	if first.BucketUnix != 3600 {
		t.Errorf("expected first bucket 3600, got %d", first.BucketUnix)
	}
	if first.Impressions != 3 {
		t.Errorf("expected 3 impressions in first bucket, got %d", first.Impressions)
	}
	if first.MeanDwellMs != 2000 {
		t.Errorf("expected mean dwell 2000, got %v", first.MeanDwellMs)
	}
	if first.P50DwellMs != 2000 {
		t.Errorf("expected p50 dwell 2000, got %v", first.P50DwellMs)
	}
	if first.P85DwellMs != 3000 {
		t.Errorf("expected p85 dwell 3000, got %v", first.P85DwellMs)
	}
	if first.MaxDwellMs != 3000 {
		t.Errorf("expected max dwell 3000, got %v", first.MaxDwellMs)
	}

	second := rollups[1]
	if second.BucketUnix != 7200 || second.Impressions != 1 {
		t.Errorf("expected single impression in bucket 7200, got %+v", second)
	}

	// Filters
	since, err := db.ListRollups(ctx, RollupFilter{Since: 7200})
	if err != nil {
		t.Fatalf("ListRollups with Since failed: %v", err)
	}
	if len(since) != 1 || since[0].BucketUnix != 7200 {
		t.Errorf("expected only bucket 7200, got %+v", since)
	}

	labels, err := db.RollupLabels(ctx)
	if err != nil {
		t.Fatalf("RollupLabels failed: %v", err)
	}
	if len(labels) != 1 || labels[0] != "50pct" {
		t.Errorf("expected labels [50pct], got %v", labels)
	}
}

func TestRunFullHistory(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	w := NewImpressionsWorker(db, "v1")

	// No events: quietly does nothing
	if err := w.RunFullHistory(ctx); err != nil {
		t.Fatalf("RunFullHistory on empty DB failed: %v", err)
	}

	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 5000, 105),
	})

	if err := w.RunFullHistory(ctx); err != nil {
		t.Fatalf("RunFullHistory failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 1 {
		t.Errorf("expected 1 impression from full history, got %d", len(imps))
	}
}

func TestMigrateModelVersion(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 5000, 105),
	})

	w1 := NewImpressionsWorker(db, "v1")
	if err := w1.RunFullHistory(ctx); err != nil {
		t.Fatalf("RunFullHistory failed: %v", err)
	}

	w2 := NewImpressionsWorker(db, "v2")
	if err := w2.MigrateModelVersion(ctx, "v2"); err == nil {
		t.Error("expected error when old and new versions match")
	}
	if err := w2.MigrateModelVersion(ctx, "v1"); err != nil {
		t.Fatalf("MigrateModelVersion failed: %v", err)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 1 {
		t.Fatalf("expected 1 impression after migration, got %d", len(imps))
	}
	if imps[0].ModelVersion != "v2" {
		t.Errorf("expected model_version v2, got %s", imps[0].ModelVersion)
	}

	rollups, err := db.ListRollups(ctx, RollupFilter{})
	if err != nil {
		t.Fatalf("ListRollups failed: %v", err)
	}
	for _, r := range rollups {
		if r.ModelVersion != "v2" {
			t.Errorf("expected only v2 rollups, found %s", r.ModelVersion)
		}
	}
}

func TestDeleteAllImpressions(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	seedEvents(t, db, []VisibilityEvent{
		testEvent("sess_a", "hero", "50pct", true, 0.6, 0, 100),
		testEvent("sess_a", "hero", "50pct", false, 0.3, 5000, 105),
	})

	w := NewImpressionsWorker(db, "v1")
	if err := w.RunFullHistory(ctx); err != nil {
		t.Fatalf("RunFullHistory failed: %v", err)
	}

	deleted, err := w.DeleteAllImpressions(ctx, "v1")
	if err != nil {
		t.Fatalf("DeleteAllImpressions failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted impression, got %d", deleted)
	}

	imps, err := db.ListImpressions(ctx, ImpressionFilter{})
	if err != nil {
		t.Fatalf("ListImpressions failed: %v", err)
	}
	if len(imps) != 0 {
		t.Errorf("expected no impressions, got %d", len(imps))
	}
	rollups, err := db.ListRollups(ctx, RollupFilter{})
	if err != nil {
		t.Fatalf("ListRollups failed: %v", err)
	}
	if len(rollups) != 0 {
		t.Errorf("expected no rollups, got %d", len(rollups))
	}
}
