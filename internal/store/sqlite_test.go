package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/split-goat/split-goat/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func sampleTest(id string) *store.Test {
	now := time.Now().Truncate(time.Second)
	return &store.Test{
		ID:   id,
		Name: "checkout-cta",
		Variants: []store.Variant{
			{ID: "v-a", Name: "Control", TrafficAllocation: 50, IsActive: true},
			{ID: "v-b", Name: "Treatment", TrafficAllocation: 50, IsActive: true},
		},
		Audience: store.Audience{
			Segments:   []string{"returning"},
			SampleSize: 1000,
			Duration:   168,
		},
		Metrics: []store.Metric{
			{Name: "conversion", Type: store.MetricPrimary},
		},
		Status:       store.StatusDraft,
		Significance: 0.95,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGetTest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleTest("t-1")
	if err := s.CreateTest(ctx, want); err != nil {
		t.Fatalf("failed to create test: %v", err)
	}

	got, err := s.GetTest(ctx, "t-1")
	if err != nil {
		t.Fatalf("failed to get test: %v", err)
	}

	if got.Name != want.Name {
		t.Errorf("name = %q, want %q", got.Name, want.Name)
	}
	if len(got.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(got.Variants))
	}
	if got.Variants[0].Name != "Control" || got.Variants[0].TrafficAllocation != 50 {
		t.Errorf("variant 0 round-trip mismatch: %+v", got.Variants[0])
	}
	if got.Audience.SampleSize != 1000 || got.Audience.Duration != 168 {
		t.Errorf("audience round-trip mismatch: %+v", got.Audience)
	}
	if got.Metrics[0].Type != store.MetricPrimary {
		t.Errorf("metric type = %q, want primary", got.Metrics[0].Type)
	}
}

func TestGetTest_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTest(context.Background(), "nope")
	if err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTestsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := sampleTest("t-running")
	running.Status = store.StatusRunning
	if err := s.CreateTest(ctx, running); err != nil {
		t.Fatal(err)
	}
	draft := sampleTest("t-draft")
	if err := s.CreateTest(ctx, draft); err != nil {
		t.Fatal(err)
	}

	tests, err := s.ListTestsByStatus(ctx, store.StatusRunning)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(tests) != 1 || tests[0].ID != "t-running" {
		t.Errorf("expected only t-running, got %d tests", len(tests))
	}
}

func TestUpdateTest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	test := sampleTest("t-1")
	if err := s.CreateTest(ctx, test); err != nil {
		t.Fatal(err)
	}

	test.Status = store.StatusCompleted
	winner := "v-b"
	test.Winner = &winner
	ended := time.Now().Truncate(time.Second)
	test.EndedAt = &ended

	if err := s.UpdateTest(ctx, test); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	got, err := s.GetTest(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Winner == nil || *got.Winner != "v-b" {
		t.Errorf("winner = %v, want v-b", got.Winner)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to round-trip")
	}
}

func TestUpdateTest_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTest(context.Background(), sampleTest("ghost"))
	if err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTest_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateTest(ctx, sampleTest("t-1")); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.InsertAssignmentIfAbsent(ctx, &store.Assignment{
		TestID: "t-1", SubjectKey: "u-1", VariantID: "v-a", AssignedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.RecordImpression(ctx, &store.Impression{
		ID: "i-1", TestID: "t-1", VariantID: "v-a", SubjectKey: "u-1",
		Type: store.ImpressionView, Value: 1, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpsertResult(ctx, &store.Result{
		TestID: "t-1", VariantID: "v-a", MetricName: "view",
		Value: 1, SampleSize: 1, PValue: 1, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTest(ctx, "t-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := s.GetTest(ctx, "t-1"); err != store.ErrNotFound {
		t.Errorf("test should be gone, got %v", err)
	}
	if _, err := s.GetAssignment(ctx, "t-1", "u-1"); err != store.ErrNotFound {
		t.Errorf("assignment should be gone, got %v", err)
	}
	if n, _ := s.CountImpressions(ctx); n != 0 {
		t.Errorf("impressions should be gone, got %d", n)
	}
	results, err := s.ListResults(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results should be gone, got %d", len(results))
	}

	// Idempotent
	if err := s.DeleteTest(ctx, "t-1"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestInsertAssignmentIfAbsent_FirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)

	first := &store.Assignment{
		TestID: "t-1", SubjectKey: "u-1", VariantID: "v-a",
		AssignedAt: now, ExpiresAt: &expires,
	}
	stored, inserted, err := s.InsertAssignmentIfAbsent(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted || stored.VariantID != "v-a" {
		t.Fatalf("first insert: inserted=%v variant=%s", inserted, stored.VariantID)
	}

	// A later insert for the same subject must return the original
	second := &store.Assignment{
		TestID: "t-1", SubjectKey: "u-1", VariantID: "v-b",
		AssignedAt: now.Add(time.Minute), ExpiresAt: &expires,
	}
	stored, inserted, err = s.InsertAssignmentIfAbsent(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second insert should lose to the first")
	}
	if stored.VariantID != "v-a" {
		t.Errorf("stored variant = %s, want v-a", stored.VariantID)
	}
}

func TestInsertAssignmentIfAbsent_ReplacesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	expired := now.Add(-time.Hour)
	first := &store.Assignment{
		TestID: "t-1", SubjectKey: "u-1", VariantID: "v-a",
		AssignedAt: now.Add(-25 * time.Hour), ExpiresAt: &expired,
	}
	if _, _, err := s.InsertAssignmentIfAbsent(ctx, first); err != nil {
		t.Fatal(err)
	}

	fresh := now.Add(24 * time.Hour)
	second := &store.Assignment{
		TestID: "t-1", SubjectKey: "u-1", VariantID: "v-b",
		AssignedAt: now, ExpiresAt: &fresh,
	}
	stored, inserted, err := s.InsertAssignmentIfAbsent(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("expired assignment should be replaced")
	}
	if stored.VariantID != "v-b" {
		t.Errorf("stored variant = %s, want v-b", stored.VariantID)
	}
}

func TestListAssignmentsBySubject_WindowAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 200 * time.Hour} {
		a := &store.Assignment{
			TestID:     "t-" + string(rune('a'+i)),
			SubjectKey: "u-1", VariantID: "v-a",
			AssignedAt: now.Add(-age),
		}
		if _, _, err := s.InsertAssignmentIfAbsent(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	week := now.Add(-7 * 24 * time.Hour)
	got, err := s.ListAssignmentsBySubject(ctx, "u-1", week, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assignments within a week, got %d", len(got))
	}
	if got[0].AssignedAt.Before(got[1].AssignedAt) {
		t.Error("expected newest-first ordering")
	}

	got, err = s.ListAssignmentsBySubject(ctx, "u-1", week, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected limit to apply, got %d", len(got))
	}
}

func TestAggregateImpressions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []struct {
		variant string
		typ     store.ImpressionType
		value   float64
	}{
		{"v-a", store.ImpressionView, 1},
		{"v-a", store.ImpressionView, 1},
		{"v-a", store.ImpressionConversion, 10},
		{"v-a", store.ImpressionConversion, 20},
		{"v-b", store.ImpressionView, 1},
	}
	for i, e := range events {
		err := s.RecordImpression(ctx, &store.Impression{
			ID: "i-" + string(rune('0'+i)), TestID: "t-1", VariantID: e.variant,
			SubjectKey: "u-1", Type: e.typ, Value: e.value, CreatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	aggs, err := s.AggregateImpressions(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}

	byKey := make(map[string]store.VariantAggregate)
	for _, a := range aggs {
		byKey[a.VariantID+"/"+a.MetricName] = a
	}

	conv := byKey["v-a/conversion"]
	if conv.Count != 2 || conv.Mean != 15 {
		t.Errorf("v-a conversion agg = %+v, want count 2 mean 15", conv)
	}
	views := byKey["v-a/view"]
	if views.Count != 2 || views.Mean != 1 {
		t.Errorf("v-a view agg = %+v, want count 2 mean 1", views)
	}
	if byKey["v-b/view"].Count != 1 {
		t.Errorf("v-b view agg = %+v, want count 1", byKey["v-b/view"])
	}
}

func TestListImpressions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	events := []struct {
		id       string
		typ      store.ImpressionType
		value    float64
		offset   time.Duration
		metadata map[string]string
	}{
		{"i-2", store.ImpressionConversion, 19.99, time.Minute, map[string]string{"page": "/checkout"}},
		{"i-1", store.ImpressionView, 1, 0, nil},
		{"i-3", store.ImpressionClick, 1, 2 * time.Minute, nil},
	}
	for _, e := range events {
		err := s.RecordImpression(ctx, &store.Impression{
			ID: e.id, TestID: "t-1", VariantID: "v-a", SubjectKey: "u-1",
			Type: e.typ, Value: e.value, Metadata: e.metadata,
			CreatedAt: base.Add(e.offset),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Another test's data must not leak in
	err := s.RecordImpression(ctx, &store.Impression{
		ID: "i-other", TestID: "t-2", VariantID: "v-x", SubjectKey: "u-9",
		Type: store.ImpressionView, Value: 1, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListImpressions(ctx, "t-1")
	if err != nil {
		t.Fatalf("failed to list impressions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 impressions, got %d", len(got))
	}
	for i, wantID := range []string{"i-1", "i-2", "i-3"} {
		if got[i].ID != wantID {
			t.Errorf("position %d: got %s, want %s (insertion order)", i, got[i].ID, wantID)
		}
	}
	if got[1].Value != 19.99 {
		t.Errorf("value = %v, want 19.99", got[1].Value)
	}
	if got[1].Metadata["page"] != "/checkout" {
		t.Errorf("metadata round-trip failed: %v", got[1].Metadata)
	}
	if got[0].Metadata != nil {
		t.Errorf("expected nil metadata, got %v", got[0].Metadata)
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", got[0].CreatedAt, base)
	}
}

func TestSummarizeImpressions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []struct {
		id      string
		variant string
		subject string
		typ     store.ImpressionType
	}{
		{"i-1", "v-a", "u-1", store.ImpressionView},
		{"i-2", "v-a", "u-2", store.ImpressionView},
		{"i-3", "v-a", "u-1", store.ImpressionClick},
		{"i-4", "v-a", "u-1", store.ImpressionConversion},
		{"i-5", "v-b", "u-3", store.ImpressionView},
		{"i-6", "v-b", "u-4", store.ImpressionView},
	}
	for _, e := range events {
		err := s.RecordImpression(ctx, &store.Impression{
			ID: e.id, TestID: "t-1", VariantID: e.variant,
			SubjectKey: e.subject, Type: e.typ, Value: 1, CreatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	summary, err := s.SummarizeImpressions(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}

	if summary.Impressions != 4 {
		t.Errorf("impressions = %d, want 4", summary.Impressions)
	}
	if summary.Clicks != 1 || summary.Conversions != 1 {
		t.Errorf("clicks/conversions = %d/%d, want 1/1", summary.Clicks, summary.Conversions)
	}
	if summary.UniqueSubjects != 4 {
		t.Errorf("unique subjects = %d, want 4", summary.UniqueSubjects)
	}
	if summary.ConversionRate != 0.25 {
		t.Errorf("conversion rate = %f, want 0.25", summary.ConversionRate)
	}

	va := summary.Variants["v-a"]
	if va.Impressions != 2 || va.Conversions != 1 || va.ConversionRate != 0.5 {
		t.Errorf("v-a summary = %+v", va)
	}
}

func TestUpsertResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	r := &store.Result{
		TestID: "t-1", VariantID: "v-a", MetricName: "conversion",
		Value: 0.05, SampleSize: 100, PValue: 1, UpdatedAt: now,
	}
	if err := s.UpsertResult(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.Value = 0.06
	r.SampleSize = 120
	r.Confidence = 0.9
	r.PValue = 0.1
	if err := s.UpsertResult(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetResult(ctx, "t-1", "v-a", "conversion")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 0.06 || got.SampleSize != 120 {
		t.Errorf("result = %+v, want updated value/size", got)
	}
	if got.Confidence != 0.9 || got.IsSignificant {
		t.Errorf("result significance fields = %+v", got)
	}
}
