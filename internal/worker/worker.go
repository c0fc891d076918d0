package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/format"
	"github.com/itstheanurag/haskbot/internal/limiter"
	"github.com/itstheanurag/haskbot/internal/metrics"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/report"
	"github.com/rs/zerolog"
)

var ErrShuttingDown = errors.New("service is shutting down")

const (
	reportTimeout = 5 * time.Second
	logSourceMax  = 120
)

type Processor interface {
	Process(ctx context.Context, req executor.Request) executor.Outcome
}

// Response is the single reply to one request. Outcome is nil when the
// request was rejected before it ran, in which case Err says why.
type Response struct {
	Payload format.Payload
	Outcome *executor.Outcome
	Err     error
}

// Service is the per-request unit of work shared by the chat bot and the
// HTTP API.
type Service struct {
	processor Processor
	gate      *queue.Gate
	limiter   *limiter.RateLimiter
	publisher report.Publisher
	format    format.Options
	logger    *zerolog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewService(
	processor Processor,
	gate *queue.Gate,
	rl *limiter.RateLimiter,
	publisher report.Publisher,
	opts format.Options,
	logger *zerolog.Logger,
) *Service {
	if publisher == nil {
		publisher = report.Nop{}
	}
	return &Service{
		processor: processor,
		gate:      gate,
		limiter:   rl,
		publisher: publisher,
		format:    opts,
		logger:    logger,
	}
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Execute rate-limits, admits, runs and formats req. It always returns a
// Response with a non-empty payload.
func (s *Service) Execute(ctx context.Context, req executor.Request) Response {
	log := s.logger.With().
		Str("request_id", req.ID).
		Str("requester", req.RequesterID).
		Str("language", req.Language).
		Logger()

	if !s.track() {
		return Response{Payload: format.Busy(ErrShuttingDown), Err: ErrShuttingDown}
	}
	defer s.wg.Done()

	// 1. Rate limit
	if s.limiter != nil {
		if err := s.limiter.Check(req.RequesterID); err != nil {
			log.Info().Msg("request rate limited")
			return Response{Payload: format.RateLimited(), Err: err}
		}
	}

	// 2. Admission
	slot, err := s.gate.Admit(ctx)
	if err != nil {
		log.Warn().Err(err).Int("waiting", s.gate.Waiting()).Msg("request not admitted")
		return Response{Payload: format.Busy(err), Err: err}
	}
	defer slot.Release()

	log.Info().Str("source", preview(req.Source)).Msg("processing request")

	// 3. Compile and run
	startTime := time.Now()
	outcome := s.processor.Process(ctx, req)
	duration := time.Since(startTime)

	// 4. Record metrics, labelled by canonical language only
	status := outcomeStatus(outcome)
	lang := languageLabel(outcome)
	metrics.ExecutionsTotal.WithLabelValues(lang, outcome.Kind.String(), status).Inc()
	metrics.ExecutionDuration.WithLabelValues(lang, "total").Observe(float64(duration.Milliseconds()))
	if outcome.Result != nil && outcome.Result.PeakMemoryBytes > 0 {
		metrics.MemoryUsage.WithLabelValues(lang).Observe(float64(outcome.Result.PeakMemoryBytes / 1024))
	}

	log.Info().
		Str("outcome", outcome.Kind.String()).
		Str("status", status).
		Dur("duration", duration).
		Bool("truncated", outcome.Truncated).
		Msg("request finished")

	// 5. Report
	s.publish(ctx, buildReport(req, outcome, status), &log)

	return Response{Payload: format.Format(outcome, s.format), Outcome: &outcome}
}

func (s *Service) publish(ctx context.Context, r report.Report, log *zerolog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, r); err != nil {
			log.Error().Err(err).Msg("failed to publish report")
		}
	}()
}

// Wait stops accepting new requests and blocks until in-flight executions
// and their reports are done.
func (s *Service) Wait() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
}

func outcomeStatus(o executor.Outcome) string {
	switch {
	case o.Internal:
		return "internal_failure"
	case o.Result != nil:
		return o.Result.Status.String()
	case o.Kind == executor.KindCompileError:
		return "compile_failed"
	default:
		return "unknown"
	}
}

func languageLabel(o executor.Outcome) string {
	if o.Language == "" {
		return "unknown"
	}
	return o.Language
}

func buildReport(req executor.Request, o executor.Outcome, status string) report.Report {
	r := report.Report{
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Language:    languageLabel(o),
		Outcome:     o.Kind.String(),
		Status:      status,
		Truncated:   o.Truncated,
		CompileMs:   o.CompileTime.Milliseconds(),
		RunMs:       o.RunTime.Milliseconds(),
		SubmittedAt: req.SubmittedAt,
		FinishedAt:  time.Now(),
	}
	if o.Result != nil {
		r.ExitCode = o.Result.ExitCode
		r.PeakMemoryBytes = o.Result.PeakMemoryBytes
	}
	return r
}

func preview(source string) string {
	if len(source) <= logSourceMax {
		return source
	}
	return format.Cut(source, logSourceMax) + "..."
}
