package languages

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

// DefaultPath is the PATH handed to sandboxed toolchains.
const DefaultPath = "PATH=/usr/local/bin:/usr/bin:/bin"

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
	aliases   map[string]string
}

// NewRegistry returns a registry with Haskell registered, compiled with the
// given compiler executable.
func NewRegistry(compiler string) *Registry {
	r := &Registry{
		languages: make(map[string]Language),
		aliases:   make(map[string]string),
	}
	r.registerDefaults(compiler)
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
	r.aliases[lang.ID] = lang.ID
	for _, alias := range lang.Aliases {
		r.aliases[strings.ToLower(alias)] = lang.ID
	}
}

// Get resolves a language by ID or alias (case-insensitive).
func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.aliases[strings.ToLower(id)]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return r.languages[canonical], nil
}

func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) registerDefaults(compiler string) {
	if compiler == "" {
		compiler = "ghc"
	}

	r.Register(Language{
		ID:      "haskell",
		Name:    "Haskell",
		Aliases: []string{"hs"},
		Config: Toolchain{
			SourceFile: "Main.hs",
			CompileCommand: []string{
				compiler, "-O0", "-v0",
				"-outputdir", "build",
				"-o", "main",
				"Main.hs",
			},
			RunCommand: []string{"./main"},
			Env:        []string{DefaultPath, "LANG=C.UTF-8"},
		},
	})
}
