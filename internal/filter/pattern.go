package filter

import (
	"time"

	"github.com/dlclark/regexp2"
)

// matchTimeout bounds a single regex evaluation. User patterns run on the
// capture hot path and may backtrack.
const matchTimeout = 100 * time.Millisecond

// Pattern is a compiled user-supplied regular expression with find
// semantics: it matches when the expression occurs anywhere in the input.
// A nil *Pattern matches everything.
type Pattern struct {
	re *regexp2.Regexp
}

// CompilePattern compiles expr. Compile failures are reported as a
// *ConfigError attributed to source.
func CompilePattern(source, expr string) (*Pattern, error) {
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, &ConfigError{
			Source: source,
			Title:  "Invalid regular expression",
			Detail: err.Error(),
		}
	}
	re.MatchTimeout = matchTimeout
	return &Pattern{re: re}, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(expr string) *Pattern {
	p, err := CompilePattern("pattern", expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Find reports whether the pattern occurs in s. A timed out match counts as
// no match.
func (p *Pattern) Find(s string) bool {
	if p == nil {
		return true
	}
	ok, err := p.re.MatchString(s)
	return err == nil && ok
}

// String returns the source expression.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.re.String()
}
