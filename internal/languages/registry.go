package languages

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codesand/codesand/internal/backend"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

const (
	interpretedTimeout = 5 * time.Second
	compiledTimeout    = 10 * time.Second
)

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
	aliases   map[string]string
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
		aliases:   make(map[string]string),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
	for _, a := range lang.Aliases {
		r.aliases[a] = lang.ID
	}
}

// Get looks a runner up by id or alias, case-insensitively.
func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id = strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := r.aliases[id]; ok {
		id = canonical
	}
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

// List returns every language sorted by id.
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

func interpreter(bin string) func(string, []string) []string {
	return func(p string, _ []string) []string {
		return []string{bin, p}
	}
}

// compiled runs "<compile> && <run>" through bash in the file's directory.
func compiled(compile func(p string, flags []string) []string, run func(p string) []string) func(string, []string) []string {
	return func(p string, flags []string) []string {
		script := backend.ShellJoin(compile(p, flags)) + " && " + backend.ShellJoin(run(p))
		return []string{"bash", "-c", script}
	}
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:         "php",
		Name:       "PHP",
		SourceFile: "code.php",
		Template:   "<?php\n%s\n",
		Timeout:    interpretedTimeout,
		command:    interpreter("php"),
	})

	r.Register(Language{
		ID:         "bash",
		Name:       "Bash",
		Aliases:    []string{"sh"},
		SourceFile: "code.sh",
		Timeout:    interpretedTimeout,
		command:    interpreter("/bin/bash"),
	})

	r.Register(Language{
		ID:         "fish",
		Name:       "Fish",
		SourceFile: "code.fish",
		Timeout:    interpretedTimeout,
		command:    interpreter("/usr/bin/fish"),
	})

	r.Register(Language{
		ID:         "python3",
		Name:       "Python 3",
		Aliases:    []string{"py3", "python"},
		SourceFile: "code.py",
		Timeout:    interpretedTimeout,
		command:    interpreter("python3"),
	})

	r.Register(Language{
		ID:         "python2",
		Name:       "Python 2",
		Aliases:    []string{"py2"},
		SourceFile: "code.py",
		Timeout:    interpretedTimeout,
		command:    interpreter("python2"),
	})

	r.Register(Language{
		ID:         "perl",
		Name:       "Perl",
		SourceFile: "code.pl",
		Timeout:    interpretedTimeout,
		command:    interpreter("perl"),
	})

	r.Register(Language{
		ID:         "tcl",
		Name:       "Tcl",
		SourceFile: "code.tcl",
		Timeout:    interpretedTimeout,
		command:    interpreter("tclsh"),
	})

	r.Register(Language{
		ID:         "java",
		Name:       "Java",
		SourceFile: "code.java",
		Template:   "class code { %s }",
		Timeout:    compiledTimeout,
		command: compiled(
			func(p string, _ []string) []string { return []string{"javac", p} },
			func(p string) []string { return []string{"java", "-cp", path.Dir(p) + "/", "code"} },
		),
	})

	r.Register(Language{
		ID:         "tcc",
		Name:       "C (tcc)",
		SourceFile: "code.c",
		Timeout:    interpretedTimeout,
		Flags:      true,
		command: func(p string, flags []string) []string {
			argv := append([]string{"tcc", "-run"}, flags...)
			return append(argv, p)
		},
	})

	r.Register(Language{
		ID:         "gcc",
		Name:       "C (gcc)",
		Aliases:    []string{"c"},
		SourceFile: "code.c",
		Timeout:    compiledTimeout,
		Flags:      true,
		command: compiled(
			func(p string, flags []string) []string {
				argv := append([]string{"gcc"}, flags...)
				return append(argv, p, "-o", path.Join(path.Dir(p), "a.out"))
			},
			func(p string) []string { return []string{path.Join(path.Dir(p), "a.out")} },
		),
	})

	r.Register(Language{
		ID:         "gpp",
		Name:       "C++ (g++)",
		Aliases:    []string{"g++", "cpp"},
		SourceFile: "code.cpp",
		Timeout:    compiledTimeout,
		Flags:      true,
		command: compiled(
			func(p string, flags []string) []string {
				argv := append([]string{"g++"}, flags...)
				return append(argv, p, "-o", path.Join(path.Dir(p), "a.out"))
			},
			func(p string) []string { return []string{path.Join(path.Dir(p), "a.out")} },
		),
	})
}

// SplitFlags splits a compiler flag string on whitespace.
func SplitFlags(s string) []string {
	return strings.Fields(s)
}
