package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/haskbot/internal/languages"
	"github.com/itstheanurag/haskbot/internal/metrics"
	"github.com/itstheanurag/haskbot/internal/sandbox"
	"github.com/rs/zerolog"
)

// Request is one submission of untrusted source. It is never mutated.
type Request struct {
	ID          string
	Language    string
	Source      string
	RequesterID string
	SubmittedAt time.Time
}

func NewRequest(language, source, requesterID string) Request {
	return Request{
		ID:          uuid.NewString(),
		Language:    language,
		Source:      source,
		RequesterID: requesterID,
		SubmittedAt: time.Now(),
	}
}

type Kind int

const (
	KindRuntimeOutput Kind = iota
	KindCompileError
	KindRuntimeError
)

func (k Kind) String() string {
	switch k {
	case KindRuntimeOutput:
		return "runtime_output"
	case KindCompileError:
		return "compile_error"
	case KindRuntimeError:
		return "runtime_error"
	default:
		return "unknown"
	}
}

// Outcome is the single terminal result of processing a Request.
//
//   - KindRuntimeOutput: Stdout holds the program output.
//   - KindCompileError: Diagnostics holds the compiler output.
//   - KindRuntimeError: Result describes the failed run. Internal marks
//     failures of the sandbox itself rather than of the program.
//
// All text has been scrubbed of host details.
type Outcome struct {
	Kind Kind
	// Language is the canonical ID of the resolved language, empty when the
	// requested language is not supported.
	Language    string
	Stdout      string
	Diagnostics string
	Result      *sandbox.Result
	Internal    bool
	Truncated   bool
	CompileTime time.Duration
	RunTime     time.Duration
}

const internalFailureMessage = "internal sandbox failure"

func internalFailure() Outcome {
	return Outcome{
		Kind:     KindRuntimeError,
		Internal: true,
		Result: &sandbox.Result{
			Status:   sandbox.StatusKilled,
			ExitCode: -1,
			Stderr:   internalFailureMessage,
		},
	}
}

type Options struct {
	CompileLimits sandbox.Limits
	RunLimits     sandbox.Limits
	// WorkRoot is the parent directory for request workspaces.
	WorkRoot string
}

type Executor struct {
	registry *languages.Registry
	sandbox  sandbox.Sandbox
	opts     Options
	logger   *zerolog.Logger
}

func NewExecutor(registry *languages.Registry, sb sandbox.Sandbox, opts Options, logger *zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		sandbox:  sb,
		opts:     opts,
		logger:   logger,
	}
}

// Process compiles and runs req and returns exactly one Outcome. It never
// panics: a failure inside the sandbox becomes an internal RuntimeError.
func (e *Executor) Process(ctx context.Context, req Request) (out Outcome) {
	log := e.logger.With().Str("request_id", req.ID).Str("language", req.Language).Logger()

	var langID string
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("sandbox panicked")
			out = internalFailure()
		}
		out.Language = langID
	}()

	lang, err := e.registry.Get(req.Language)
	if err != nil {
		return Outcome{
			Kind:        KindCompileError,
			Diagnostics: fmt.Sprintf("unsupported language %q", req.Language),
		}
	}
	langID = lang.ID

	// 1. Workspace with the source file
	ws, err := sandbox.NewWorkspace(e.opts.WorkRoot)
	if err != nil {
		log.Error().Err(err).Msg("failed to create workspace")
		return internalFailure()
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.Warn().Err(err).Msg("failed to remove workspace")
		}
	}()

	if err := ws.WriteFile(lang.Config.SourceFile, []byte(req.Source)); err != nil {
		log.Error().Err(err).Msg("failed to write source")
		return internalFailure()
	}

	scrub := newScrubber(ws.Path())
	tc := lang.Config

	// 2. Compile
	var compileTime time.Duration
	if len(tc.CompileCommand) > 0 {
		res := e.runPhase(ctx, "compile", lang.ID, ws, tc.CompileCommand, tc.Env, e.opts.CompileLimits)
		compileTime = res.Duration
		log.Debug().Str("status", res.Status.String()).Dur("duration", res.Duration).Msg("compile finished")

		switch res.Status {
		case sandbox.StatusSuccess:
		case sandbox.StatusSpawnFailed:
			log.Error().Err(res.Err).Msg("compiler could not be started")
			failed := internalFailure()
			failed.CompileTime = compileTime
			return failed
		default:
			return Outcome{
				Kind:        KindCompileError,
				Diagnostics: scrub.String(compileDiagnostics(res)),
				Truncated:   res.Truncated,
				CompileTime: compileTime,
			}
		}
	}

	// 3. Run
	res := e.runPhase(ctx, "run", lang.ID, ws, tc.RunCommand, tc.Env, e.opts.RunLimits)
	log.Debug().Str("status", res.Status.String()).Dur("duration", res.Duration).Msg("run finished")

	scrubbed := *res
	scrubbed.Stdout = scrub.String(res.Stdout)
	scrubbed.Stderr = scrub.String(res.Stderr)
	scrubbed.Err = nil

	if res.Status == sandbox.StatusSuccess {
		return Outcome{
			Kind:        KindRuntimeOutput,
			Stdout:      scrubbed.Stdout,
			Result:      &scrubbed,
			Truncated:   res.Truncated,
			CompileTime: compileTime,
			RunTime:     res.Duration,
		}
	}

	if res.Status == sandbox.StatusSpawnFailed {
		log.Error().Err(res.Err).Msg("program could not be started")
		scrubbed.Stderr = internalFailureMessage
	}

	return Outcome{
		Kind:        KindRuntimeError,
		Result:      &scrubbed,
		Internal:    res.Status == sandbox.StatusSpawnFailed,
		Truncated:   res.Truncated,
		CompileTime: compileTime,
		RunTime:     res.Duration,
	}
}

func (e *Executor) runPhase(ctx context.Context, phase, langID string, ws *sandbox.Workspace, argv, env []string, limits sandbox.Limits) *sandbox.Result {
	res := e.sandbox.Run(ctx, sandbox.Command{
		Path: argv[0],
		Args: argv[1:],
		Dir:  ws.Path(),
		Env:  env,
	}, limits)
	if res == nil {
		panic(fmt.Sprintf("sandbox returned no result for %s phase", phase))
	}
	metrics.ExecutionDuration.WithLabelValues(langID, phase).Observe(float64(res.Duration.Milliseconds()))
	return res
}

func compileDiagnostics(res *sandbox.Result) string {
	var b strings.Builder
	switch res.Status {
	case sandbox.StatusTimedOut:
		b.WriteString("compilation exceeded the time limit\n")
	case sandbox.StatusMemoryExceeded:
		b.WriteString("compilation exceeded the memory limit\n")
	case sandbox.StatusKilled:
		b.WriteString("compilation was killed\n")
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
