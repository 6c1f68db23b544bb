package languages

import (
	"fmt"
	"time"
)

// Language is one runner: how code is wrapped, staged and invoked.
type Language struct {
	ID      string
	Name    string
	Aliases []string

	SourceFile string // staged base name
	Template   string // fmt template applied to the code, "%s" when empty
	Timeout    time.Duration
	Flags      bool // accepts compiler flags

	// command builds the in-sandbox argv from the staged path and flags.
	command func(path string, flags []string) []string
}

// Wrap applies the language template to code.
func (l Language) Wrap(code string) string {
	if l.Template == "" {
		return code
	}
	return fmt.Sprintf(l.Template, code)
}

// Command returns the argv that runs the staged file. Flags are ignored by
// languages that do not accept them.
func (l Language) Command(path string, flags []string) []string {
	if !l.Flags {
		flags = nil
	}
	return l.command(path, flags)
}
