package format

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/sandbox"
)

var discord = Options{MaxMessageBytes: 2000, RunTimeLimit: 5 * time.Second}

func TestFormatRuntimeOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  executor.Outcome
		want Payload
	}{
		{
			name: "hello",
			out:  executor.Outcome{Kind: executor.KindRuntimeOutput, Stdout: "hi\n"},
			want: Payload{Text: "hi"},
		},
		{
			name: "empty",
			out:  executor.Outcome{Kind: executor.KindRuntimeOutput},
			want: Payload{Text: NoOutput},
		},
		{
			name: "capture truncated",
			out:  executor.Outcome{Kind: executor.KindRuntimeOutput, Stdout: "1\n2\n3", Truncated: true},
			want: Payload{Text: "1\n2\n3" + TruncationMarker},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Format(tt.out, discord)); diff != "" {
				t.Errorf("Format mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatLongOutputAttachesFullText(t *testing.T) {
	t.Parallel()

	stdout := strings.Repeat("a", 3000)
	p := Format(executor.Outcome{Kind: executor.KindRuntimeOutput, Stdout: stdout}, discord)

	if len(p.Text) != 2000 {
		t.Errorf("len(Text) = %d, want 2000", len(p.Text))
	}
	if !strings.HasSuffix(p.Text, TruncationMarker) {
		t.Errorf("text not marked as truncated")
	}
	if p.Attachment == nil {
		t.Fatal("expected attachment")
	}
	if p.Attachment.Name != AttachmentName || string(p.Attachment.Data) != stdout {
		t.Errorf("attachment = %s with %d bytes", p.Attachment.Name, len(p.Attachment.Data))
	}
}

func TestFormatKeepsUTF8Valid(t *testing.T) {
	t.Parallel()

	p := Format(executor.Outcome{Kind: executor.KindRuntimeOutput, Stdout: strings.Repeat("λ", 100)}, Options{MaxMessageBytes: 50})
	if len(p.Text) > 50 {
		t.Errorf("len(Text) = %d exceeds limit", len(p.Text))
	}
	if !utf8.ValidString(p.Text) {
		t.Errorf("text is not valid UTF-8: %q", p.Text)
	}
}

func TestFormatCompileError(t *testing.T) {
	t.Parallel()

	p := Format(executor.Outcome{
		Kind:        executor.KindCompileError,
		Diagnostics: "Main.hs:1:8: error: parse error on input '='",
	}, discord)
	want := "Compilation failed:\nMain.hs:1:8: error: parse error on input '='"
	if p.Text != want {
		t.Errorf("Text = %q, want %q", p.Text, want)
	}

	long := Format(executor.Outcome{Kind: executor.KindCompileError, Diagnostics: strings.Repeat("x", 5000)}, discord)
	if len(long.Text) > 2000 || long.Attachment != nil {
		t.Errorf("compile diagnostics not bounded: %d bytes", len(long.Text))
	}
}

func TestFormatRuntimeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result sandbox.Result
		want   string
	}{
		{"timeout", sandbox.Result{Status: sandbox.StatusTimedOut}, "Timed out after 5s"},
		{"memory", sandbox.Result{Status: sandbox.StatusMemoryExceeded}, "Memory limit exceeded"},
		{"killed", sandbox.Result{Status: sandbox.StatusKilled}, "Killed"},
		{
			"exit code",
			sandbox.Result{Status: sandbox.StatusNonZeroExit, ExitCode: 1, Stderr: "main: Prelude.head: empty list\n"},
			"Exited with code 1\nmain: Prelude.head: empty list",
		},
		{
			"stdout when stderr empty",
			sandbox.Result{Status: sandbox.StatusNonZeroExit, ExitCode: 3, Stdout: "partial\n"},
			"Exited with code 3\npartial",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.result
			p := Format(executor.Outcome{Kind: executor.KindRuntimeError, Result: &res}, discord)
			if diff := cmp.Diff(Payload{Text: tt.want}, p); diff != "" {
				t.Errorf("Format mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatInternalFailure(t *testing.T) {
	t.Parallel()

	p := Format(executor.Outcome{
		Kind:     executor.KindRuntimeError,
		Internal: true,
		Result:   &sandbox.Result{Status: sandbox.StatusKilled, Stderr: "internal sandbox failure"},
	}, discord)
	if p.Text != "Internal sandbox failure" {
		t.Errorf("Text = %q", p.Text)
	}
}

func TestBusyAndRateLimited(t *testing.T) {
	t.Parallel()

	if got := Busy(queue.ErrQueueTimeout).Text; !strings.Contains(got, "busy") {
		t.Errorf("Busy(ErrQueueTimeout) = %q", got)
	}
	if got := Busy(context.Canceled).Text; !strings.Contains(got, "cancelled") {
		t.Errorf("Busy(context.Canceled) = %q", got)
	}
	if RateLimited().Text == "" {
		t.Error("RateLimited returned empty text")
	}
}
