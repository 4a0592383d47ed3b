package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/helixdesk/cortex/internal/store"
)

// Reader serves the aggregate analytics APIs. All aggregations are computed
// on demand over the tenant's trailing query window.
type Reader struct {
	backend store.Backend
}

// NewReader creates a reader over backend.
func NewReader(backend store.Backend) *Reader {
	return &Reader{backend: backend}
}

// Overview is the tenant's headline numbers for a window.
type Overview struct {
	TotalQueries   int     `json:"total_queries"`
	UniqueUsers    int     `json:"unique_users"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	AvgInputTokens float64 `json:"avg_input_tokens"`
	AvgOutputToken float64 `json:"avg_output_tokens"`
	ErrorRate      float64 `json:"error_rate"`
	RepeatRate     float64 `json:"repeat_rate"`
}

// HourBucket is one hour's query count.
type HourBucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// Distribution maps a label to its share of queries.
type Distribution map[string]int

// ComplexityBuckets is the fixed histogram over complexity scores.
type ComplexityBuckets struct {
	Low    int `json:"low"`    // < 0.33
	Medium int `json:"medium"` // 0.33 - 0.66
	High   int `json:"high"`   // > 0.66
}

// ErrorRecord is one failed query, for the recent-errors view.
type ErrorRecord struct {
	QueryID   string `json:"query_id"`
	UserEmail string `json:"user_email"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Report bundles every aggregation the admin analytics endpoints expose.
type Report struct {
	Overview     Overview     `json:"overview"`
	ByHour       []HourBucket `json:"by_hour"`
	Categories   Distribution `json:"categories"`
	Intents      Distribution `json:"intents"`
	Urgencies    Distribution `json:"urgencies"`
	Complexity   ComplexityBuckets `json:"complexity"`
	Departments  Distribution `json:"departments"`
	RecentErrors []ErrorRecord `json:"recent_errors"`
}

// Aggregate computes the full report over the tenant's last sinceHours hours.
func (r *Reader) Aggregate(ctx context.Context, tenantID string, sinceHours int) (Report, error) {
	records, err := r.backend.QueriesSince(ctx, tenantID, sinceHours)
	if err != nil {
		return Report{}, fmt.Errorf("analytics reader: %w", err)
	}
	return buildReport(records), nil
}

// Records returns the raw window, for the trend detector.
func (r *Reader) Records(ctx context.Context, tenantID string, sinceHours int) ([]store.QueryRecord, error) {
	return r.backend.QueriesSince(ctx, tenantID, sinceHours)
}

func buildReport(records []store.QueryRecord) Report {
	report := Report{
		Categories:  Distribution{},
		Intents:     Distribution{},
		Urgencies:   Distribution{},
		Departments: Distribution{},
	}
	if len(records) == 0 {
		return report
	}

	users := map[string]struct{}{}
	byHour := map[int]int{}
	var sumMs, sumIn, sumOut float64
	errorCount, repeatCount := 0, 0

	for _, rec := range records {
		users[rec.UserEmail] = struct{}{}
		byHour[rec.CreatedAt.Hour()]++
		sumMs += float64(rec.ResponseTimeMs)
		sumIn += float64(rec.InputTokens)
		sumOut += float64(rec.OutputTokens)

		if rec.Status != store.QueryCompleted && rec.Status != store.QueryCanceled {
			errorCount++
			if len(report.RecentErrors) < 50 {
				report.RecentErrors = append(report.RecentErrors, ErrorRecord{
					QueryID:   rec.ID,
					UserEmail: rec.UserEmail,
					Status:    string(rec.Status),
					CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				})
			}
		}
		if rec.IsRepeat {
			repeatCount++
		}

		if rec.Category != "" {
			report.Categories[rec.Category]++
		}
		if rec.Intent != "" {
			report.Intents[rec.Intent]++
		}
		if rec.Urgency != "" {
			report.Urgencies[rec.Urgency]++
		}
		if rec.InferredDept != "" {
			report.Departments[rec.InferredDept]++
		}

		switch {
		case rec.Complexity < 0.33:
			report.Complexity.Low++
		case rec.Complexity <= 0.66:
			report.Complexity.Medium++
		default:
			report.Complexity.High++
		}
	}

	n := float64(len(records))
	report.Overview = Overview{
		TotalQueries:   len(records),
		UniqueUsers:    len(users),
		AvgResponseMs:  sumMs / n,
		AvgInputTokens: sumIn / n,
		AvgOutputToken: sumOut / n,
		ErrorRate:      float64(errorCount) / n,
		RepeatRate:     float64(repeatCount) / n,
	}

	hours := make([]int, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	for _, h := range hours {
		report.ByHour = append(report.ByHour, HourBucket{Hour: h, Count: byHour[h]})
	}

	// Errors newest last as QueriesSince returns chronological order; flip so
	// the endpoint shows the most recent first.
	for i, j := 0, len(report.RecentErrors)-1; i < j; i, j = i+1, j-1 {
		report.RecentErrors[i], report.RecentErrors[j] = report.RecentErrors[j], report.RecentErrors[i]
	}
	return report
}
