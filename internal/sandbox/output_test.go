package sandbox

import (
	"strings"
	"testing"
)

func TestOutputCaptureSharedBudget(t *testing.T) {
	t.Parallel()

	c := newOutputCapture(10)
	n, err := c.Stdout().Write([]byte("123456"))
	if err != nil || n != 6 {
		t.Fatalf("write = %d, %v", n, err)
	}
	n, err = c.Stderr().Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("overflowing write must still report full length, got %d, %v", n, err)
	}
	_, _ = c.Stdout().Write([]byte("dropped"))

	var res Result
	c.fill(&res)
	if res.Stdout != "123456" || res.Stderr != "abcd" {
		t.Errorf("got stdout %q stderr %q", res.Stdout, res.Stderr)
	}
	if !res.Truncated {
		t.Error("expected truncated")
	}
}

func TestOutputCaptureExactFitIsNotTruncated(t *testing.T) {
	t.Parallel()

	c := newOutputCapture(4)
	_, _ = c.Stdout().Write([]byte("abcd"))
	_, _ = c.Stdout().Write(nil)

	var res Result
	c.fill(&res)
	if res.Truncated {
		t.Error("output that fits exactly must not be marked truncated")
	}
}

func TestOutputCaptureUnlimited(t *testing.T) {
	t.Parallel()

	c := newOutputCapture(0)
	big := strings.Repeat("x", 1<<16)
	_, _ = c.Stdout().Write([]byte(big))

	var res Result
	c.fill(&res)
	if len(res.Stdout) != len(big) || res.Truncated {
		t.Errorf("unlimited capture lost data: %d bytes, truncated=%v", len(res.Stdout), res.Truncated)
	}
}

func TestWorkspaceRejectsEscapingNames(t *testing.T) {
	t.Parallel()

	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Remove()

	for _, name := range []string{"../evil", "/etc/passwd", ""} {
		if err := ws.WriteFile(name, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) should fail", name)
		}
	}
	if err := ws.WriteFile("Main.hs", []byte("main = pure ()")); err != nil {
		t.Errorf("WriteFile(Main.hs): %v", err)
	}
	if err := ws.Remove(); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if err := ws.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	if StatusMemoryExceeded.String() != "memory_exceeded" {
		t.Errorf("got %q", StatusMemoryExceeded.String())
	}
	if Status(99).String() != "unknown" {
		t.Errorf("got %q", Status(99).String())
	}
}
