package executor

import (
	"os"
	"path/filepath"
	"strings"
)

// scrubber removes host details from text captured inside a workspace.
type scrubber struct {
	r *strings.Replacer
}

func newScrubber(workspace string) scrubber {
	var pairs []string
	add := func(old, repl string) {
		if len(old) >= 3 {
			pairs = append(pairs, old, repl)
		}
	}

	// Workspace first: it lives under the temp dir.
	add(workspace+string(filepath.Separator), "")
	add(workspace, ".")
	if resolved, err := filepath.EvalSymlinks(workspace); err == nil && resolved != workspace {
		add(resolved+string(filepath.Separator), "")
		add(resolved, ".")
	}
	add(filepath.Clean(os.TempDir()), "/tmp")
	if home, err := os.UserHomeDir(); err == nil && home != "/" {
		add(home, "~")
	}
	if host, err := os.Hostname(); err == nil {
		add(host, "sandbox")
	}

	return scrubber{r: strings.NewReplacer(pairs...)}
}

func (s scrubber) String(text string) string {
	return s.r.Replace(text)
}
