package protocol

import (
	"fmt"
	"regexp"
)

// Config describes a protocol that follows the standard lookup.
type Config struct {
	Name string `yaml:"name"`

	// KeyRegex matches literal keys. Default is 64 hex characters.
	KeyRegex string `yaml:"key_regex"`

	// TxtRegex matches TXT records. Empty disables TXT lookups.
	TxtRegex string `yaml:"txt_regex"`

	// WellKnown is the schema of the well-known file. Empty disables
	// well-known lookups.
	WellKnown string `yaml:"well_known"`

	// WellKnownRegex matches the first line of the well-known file.
	// Default accepts the key, optionally prefixed with "{name}:" and "//".
	WellKnownRegex string `yaml:"well_known_regex"`

	// MaxRedirects of the well-known lookup, 0 permits none.
	// Default is MaxRedirects.
	MaxRedirects *int `yaml:"max_redirects"`
}

func FromConfig(c Config) (*Protocol, error) {
	var (
		key       KeyMatcher = literalKey
		txt       KeyMatcher
		wellKnown KeyMatcher
		err       error
	)
	if len(c.KeyRegex) > 0 {
		if key, err = NewRegexMatcher(c.KeyRegex); err != nil {
			return nil, fmt.Errorf("protocol %s: key_regex: %w", c.Name, err)
		}
	}
	if len(c.TxtRegex) > 0 {
		if txt, err = NewRegexMatcher(c.TxtRegex); err != nil {
			return nil, fmt.Errorf("protocol %s: txt_regex: %w", c.Name, err)
		}
	}
	if len(c.WellKnown) > 0 {
		expr := c.WellKnownRegex
		if len(expr) == 0 {
			if len(c.KeyRegex) > 0 {
				expr = c.KeyRegex
			} else {
				expr = `(?i)^\s*(?:` + regexp.QuoteMeta(c.Name) + `:)?(?://)?` + hexKey + `\s*$`
			}
		}
		if wellKnown, err = NewRegexMatcher(expr); err != nil {
			return nil, fmt.Errorf("protocol %s: well_known_regex: %w", c.Name, err)
		}
	}

	maxRedirects := MaxRedirects
	if c.MaxRedirects != nil {
		if *c.MaxRedirects < 0 {
			return nil, fmt.Errorf("protocol %s: invalid max_redirects %d", c.Name, *c.MaxRedirects)
		}
		maxRedirects = *c.MaxRedirects
	}

	p := Standard(c.Name, key, txt, wellKnown, c.WellKnown, maxRedirects)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
