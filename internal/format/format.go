package format

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/sandbox"
)

const (
	TruncationMarker = "\n... (output truncated)"
	NoOutput         = "(no output)"
	AttachmentName   = "output.txt"
)

type Options struct {
	// MaxMessageBytes is the transport's message size limit.
	MaxMessageBytes int
	// RunTimeLimit is quoted in timeout messages when set.
	RunTimeLimit time.Duration
}

type Attachment struct {
	Name string
	Data []byte
}

// Payload is a reply ready for the transport. len(Text) never exceeds
// Options.MaxMessageBytes.
type Payload struct {
	Text       string
	Attachment *Attachment
}

// Format renders an execution outcome. It performs no I/O.
func Format(out executor.Outcome, opts Options) Payload {
	switch out.Kind {
	case executor.KindRuntimeOutput:
		return formatOutput(out, opts)
	case executor.KindCompileError:
		return Payload{Text: bound("Compilation failed:\n"+out.Diagnostics, out.Truncated, opts.MaxMessageBytes)}
	default:
		return formatRuntimeError(out, opts)
	}
}

func formatOutput(out executor.Outcome, opts Options) Payload {
	text := strings.TrimRight(out.Stdout, "\n")
	if text == "" && !out.Truncated {
		return Payload{Text: NoOutput}
	}

	full := text
	if out.Truncated {
		full += TruncationMarker
	}
	if fits(full, opts.MaxMessageBytes) {
		return Payload{Text: full}
	}

	return Payload{
		Text:       bound(text, true, opts.MaxMessageBytes),
		Attachment: &Attachment{Name: AttachmentName, Data: []byte(full)},
	}
}

func formatRuntimeError(out executor.Outcome, opts Options) Payload {
	if out.Internal || out.Result == nil {
		return Payload{Text: "Internal sandbox failure"}
	}

	res := out.Result
	var header string
	switch res.Status {
	case sandbox.StatusTimedOut:
		header = "Timed out"
		if opts.RunTimeLimit > 0 {
			header = fmt.Sprintf("Timed out after %s", opts.RunTimeLimit)
		}
	case sandbox.StatusMemoryExceeded:
		header = "Memory limit exceeded"
	case sandbox.StatusNonZeroExit:
		header = fmt.Sprintf("Exited with code %d", res.ExitCode)
	default:
		header = "Killed"
	}

	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if detail == "" && !out.Truncated {
		return Payload{Text: bound(header, false, opts.MaxMessageBytes)}
	}
	return Payload{Text: bound(header+"\n"+detail, out.Truncated, opts.MaxMessageBytes)}
}

// Busy is the reply for a request that was not admitted.
func Busy(err error) Payload {
	if errors.Is(err, queue.ErrQueueTimeout) {
		return Payload{Text: "All sandboxes are busy right now, please try again in a moment."}
	}
	return Payload{Text: "Request cancelled before it could run."}
}

func RateLimited() Payload {
	return Payload{Text: "You are submitting code too quickly, please slow down."}
}

func fits(s string, max int) bool {
	return max <= 0 || len(s) <= max
}

// bound returns s, marked when truncated is set, cut so that it fits in max
// bytes without splitting a UTF-8 sequence.
func bound(s string, truncated bool, max int) string {
	if truncated {
		if fits(s+TruncationMarker, max) {
			return s + TruncationMarker
		}
	} else if fits(s, max) {
		return s
	}

	keep := max - len(TruncationMarker)
	if keep <= 0 {
		return Cut(TruncationMarker, max)
	}
	return Cut(s, keep) + TruncationMarker
}

// Cut returns the longest prefix of s that is at most n bytes and does not
// split a UTF-8 sequence.
func Cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
