package store

import (
	"encoding/json"
	"time"
)

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
)

type MetricType string

const (
	MetricPrimary   MetricType = "primary"
	MetricSecondary MetricType = "secondary"
)

type ImpressionType string

const (
	ImpressionView       ImpressionType = "view"
	ImpressionClick      ImpressionType = "click"
	ImpressionConversion ImpressionType = "conversion"
)

// Variant is one arm of a test. Content is an opaque payload supplied by
// whatever generates the experience (copy, layout config, product set).
type Variant struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Content           json.RawMessage `json:"content,omitempty"`
	TrafficAllocation int             `json:"traffic_allocation"`
	IsActive          bool            `json:"is_active"`
}

// Criterion is a named predicate evaluated against subject attributes,
// e.g. {Field: "total_purchases", Operator: "gte", Value: 3}.
type Criterion struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// Audience describes who a test targets and when a decision may be made.
// Duration is in hours and doubles as the assignment TTL.
type Audience struct {
	Segments   []string    `json:"segments,omitempty"`
	Criteria   []Criterion `json:"criteria,omitempty"`
	SampleSize int         `json:"sample_size"`
	Duration   int         `json:"duration"`
}

type Metric struct {
	Name        string     `json:"name"`
	Type        MetricType `json:"type"`
	Calculation string     `json:"calculation,omitempty"`
	Target      float64    `json:"target,omitempty"`
}

type Test struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Variants     []Variant  `json:"variants"`
	Audience     Audience   `json:"audience"`
	Metrics      []Metric   `json:"metrics"`
	Status       TestStatus `json:"status"`
	Winner       *string    `json:"winner,omitempty"`
	Significance float64    `json:"significance"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PrimaryMetric returns the test's primary metric. Validation guarantees
// exactly one exists on any persisted test.
func (t *Test) PrimaryMetric() *Metric {
	for i := range t.Metrics {
		if t.Metrics[i].Type == MetricPrimary {
			return &t.Metrics[i]
		}
	}
	return nil
}

// ActiveVariants returns the variants currently receiving traffic, in
// configured order.
func (t *Test) ActiveVariants() []Variant {
	var active []Variant
	for _, v := range t.Variants {
		if v.IsActive {
			active = append(active, v)
		}
	}
	return active
}

// Variant returns the variant with the given id, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Assignment maps a subject to a variant for one test. SubjectKey is the
// user id when known, otherwise the session id. Never mutated after insert.
type Assignment struct {
	TestID     string     `json:"test_id"`
	SubjectKey string     `json:"subject_key"`
	VariantID  string     `json:"variant_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the assignment is past its TTL at the given time.
func (a *Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Impression is a single recorded subject event. Append-only.
type Impression struct {
	ID         string            `json:"id"`
	TestID     string            `json:"test_id"`
	VariantID  string            `json:"variant_id"`
	SubjectKey string            `json:"subject_key"`
	Type       ImpressionType    `json:"type"`
	Value      float64           `json:"value"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Result is the running aggregate for one (test, variant, metric) cell.
// Derived from impressions; recomputable at any time.
type Result struct {
	TestID        string    `json:"test_id"`
	VariantID     string    `json:"variant_id"`
	MetricName    string    `json:"metric_name"`
	Value         float64   `json:"value"`
	SampleSize    int       `json:"sample_size"`
	Confidence    float64   `json:"confidence"`
	PValue        float64   `json:"p_value"`
	IsSignificant bool      `json:"is_significant"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VariantAggregate is the raw per-(variant, metric) rollup computed
// directly from impressions.
type VariantAggregate struct {
	VariantID  string
	MetricName string
	Count      int
	Mean       float64
}

// TestSummary is the rollup returned for one test across all variants.
type TestSummary struct {
	TestID           string                    `json:"test_id"`
	Impressions      int                       `json:"impressions"`
	Clicks           int                       `json:"clicks"`
	Conversions      int                       `json:"conversions"`
	UniqueSubjects   int                       `json:"unique_subjects"`
	ConversionRate   float64                   `json:"conversion_rate"`
	ClickThroughRate float64                   `json:"click_through_rate"`
	Variants         map[string]VariantSummary `json:"variants"`
}

type VariantSummary struct {
	Name           string  `json:"name"`
	Impressions    int     `json:"impressions"`
	Clicks         int     `json:"clicks"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// EngineStats is the global operational rollup across all tests.
type EngineStats struct {
	TestsByStatus    map[TestStatus]int `json:"tests_by_status"`
	TotalTests       int                `json:"total_tests"`
	ActiveTests      int                `json:"active_tests"`
	TotalAssignments int                `json:"total_assignments"`
	TotalImpressions int                `json:"total_impressions"`
}
