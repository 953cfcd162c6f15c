package store

import (
	"context"
	"time"
)

// Store defines the persistence interface consumed by the engine.
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
	ListTestsByStatus(ctx context.Context, status TestStatus) ([]*Test, error)
	UpdateTest(ctx context.Context, test *Test) error
	DeleteTest(ctx context.Context, id string) error

	// Assignment operations. InsertAssignmentIfAbsent is the atomic
	// insert-if-absent primitive keyed by (test_id, subject_key): it returns
	// the stored assignment and whether this call inserted it. When a
	// concurrent insert wins the race the existing row is returned instead.
	InsertAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error)
	GetAssignment(ctx context.Context, testID, subjectKey string) (*Assignment, error)
	ListAssignmentsBySubject(ctx context.Context, subjectKey string, since time.Time, limit int) ([]*Assignment, error)
	CountAssignments(ctx context.Context) (int, error)

	// Impression operations
	RecordImpression(ctx context.Context, imp *Impression) error
	ListImpressions(ctx context.Context, testID string) ([]*Impression, error)
	CountImpressions(ctx context.Context) (int, error)
	AggregateImpressions(ctx context.Context, testID string) ([]VariantAggregate, error)
	SummarizeImpressions(ctx context.Context, testID string) (*TestSummary, error)

	// Result operations
	UpsertResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, testID, variantID, metricName string) (*Result, error)
	ListResults(ctx context.Context, testID string) ([]*Result, error)

	// Lifecycle
	Close() error
}
