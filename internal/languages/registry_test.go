package languages

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryResolvesAliases(t *testing.T) {
	t.Parallel()

	r := NewRegistry("/opt/ghc/bin/ghc")
	for _, id := range []string{"haskell", "hs", "HS", "Haskell"} {
		lang, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if lang.ID != "haskell" {
			t.Errorf("Get(%q).ID = %q", id, lang.ID)
		}
	}

	lang, _ := r.Get("hs")
	if lang.Config.CompileCommand[0] != "/opt/ghc/bin/ghc" {
		t.Errorf("compiler = %q", lang.Config.CompileCommand[0])
	}
}

func TestRegistryUnknownLanguage(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry("").Get("cobol")
	if !errors.Is(err, ErrLanguageNotFound) {
		t.Fatalf("err = %v, want ErrLanguageNotFound", err)
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry("ghc")
	r.Register(Language{ID: "bash", Name: "Bash", Config: Toolchain{SourceFile: "main.sh", RunCommand: []string{"/bin/sh", "main.sh"}}})

	var ids []string
	for _, l := range r.List() {
		ids = append(ids, l.ID)
	}
	if diff := cmp.Diff([]string{"bash", "haskell"}, ids); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}
