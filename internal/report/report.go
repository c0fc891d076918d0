package report

import (
	"context"
	"errors"
	"time"

	"github.com/itstheanurag/haskbot/internal/metrics"
)

// Report summarises one finished execution. Source text and output are not
// included.
type Report struct {
	RequestID       string    `json:"request_id"`
	RequesterID     string    `json:"requester_id"`
	Language        string    `json:"language"`
	Outcome         string    `json:"outcome"`
	Status          string    `json:"status"`
	ExitCode        int       `json:"exit_code"`
	Truncated       bool      `json:"truncated"`
	CompileMs       int64     `json:"compile_ms"`
	RunMs           int64     `json:"run_ms"`
	PeakMemoryBytes int64     `json:"peak_memory_bytes"`
	SubmittedAt     time.Time `json:"submitted_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, r Report) error
	Close() error
}

// Nop discards reports.
type Nop struct{}

func (Nop) Name() string                          { return "nop" }
func (Nop) Publish(context.Context, Report) error { return nil }
func (Nop) Close() error                          { return nil }

// Multi fans a report out to every sink. A failing sink does not stop the
// others.
type Multi []Publisher

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, r Report) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, r); err != nil {
			metrics.ReportFailures.WithLabelValues(p.Name()).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
