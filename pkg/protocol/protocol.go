package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

// MaxRedirects is the redirect limit of the built-in well-known lookups.
const MaxRedirects = 6

// LookupFunc resolves name. A nil Record with a nil error means the
// protocol found nothing.
type LookupFunc func(ctx context.Context, rc *resolve_context.Context, name string) (*resolve_context.Record, error)

type Protocol struct {
	Name string

	// Key matches names that already are a key of this protocol.
	// It also validates cached keys.
	Key KeyMatcher

	Lookup LookupFunc
}

func (p *Protocol) Validate() error {
	switch {
	case p == nil:
		return errors.New("nil protocol")
	case len(p.Name) == 0:
		return errors.New("protocol has no name")
	case strings.Contains(p.Name, ":"):
		return fmt.Errorf("protocol name %q must not contain ':'", p.Name)
	case p.Key == nil:
		return fmt.Errorf("protocol %s has no key matcher", p.Name)
	case p.Lookup == nil:
		return fmt.Errorf("protocol %s has no lookup", p.Name)
	}
	return nil
}

// IsKey reports whether s is a key of p.
func (p *Protocol) IsKey(s string) bool {
	_, ok := p.Key.Match(s)
	return ok
}

// Standard builds a protocol that tries a literal key, then a TXT
// record, then https://{name}/.well-known/{schema}. A nil txt matcher
// skips the TXT step, an empty schema skips the well-known step.
func Standard(name string, key, txt, wellKnown KeyMatcher, schema string, maxRedirects int) *Protocol {
	return &Protocol{
		Name: name,
		Key:  key,
		Lookup: func(ctx context.Context, rc *resolve_context.Context, n string) (*resolve_context.Record, error) {
			if r := rc.MatchRegex(n, key); r != nil {
				return r, nil
			}
			if txt != nil {
				r, err := rc.DNSTxtRecord(ctx, n, txt)
				if r != nil || err != nil {
					return r, err
				}
			}
			if len(schema) == 0 || wellKnown == nil {
				return nil, nil
			}
			return rc.WellKnown(ctx, n, schema, wellKnown, maxRedirects)
		},
	}
}
