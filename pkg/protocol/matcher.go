package protocol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

// KeyMatcher extracts a key from a name, a TXT record or the first
// line of a well-known file.
type KeyMatcher = resolve_context.Matcher

const keyGroup = "key"

var ErrNoKeyGroup = errors.New(`pattern needs a named "key" group like (?P<key>[0-9a-f]{64})`)

// RegexMatcher matches with a regular expression that declares a
// named "key" group.
type RegexMatcher struct {
	re  *regexp.Regexp
	idx int
}

var _ KeyMatcher = (*RegexMatcher)(nil)

func NewRegexMatcher(expr string) (*RegexMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	idx := re.SubexpIndex(keyGroup)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyGroup, expr)
	}
	return &RegexMatcher{re: re, idx: idx}, nil
}

// MustRegexMatcher is like NewRegexMatcher but panics on error.
func MustRegexMatcher(expr string) *RegexMatcher {
	m, err := NewRegexMatcher(expr)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *RegexMatcher) Match(s string) (string, bool) {
	sm := m.re.FindStringSubmatch(s)
	if sm == nil || len(sm[m.idx]) == 0 {
		return "", false
	}
	return sm[m.idx], true
}

func (m *RegexMatcher) String() string {
	return m.re.String()
}
