package protocol

import (
	"context"

	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

const hexKey = `(?P<key>[0-9a-f]{64})`

var literalKey = MustRegexMatcher(`(?i)^` + hexKey + `$`)

var (
	Hyper = Standard("hyper",
		literalKey,
		MustRegexMatcher(`(?i)^\s*"?hyperkey=`+hexKey+`"?\s*$`),
		MustRegexMatcher(`(?i)^\s*(?:hyper:)?(?://)?`+hexKey+`\s*$`),
		"hyper", MaxRedirects,
	)

	Dat = Standard("dat",
		literalKey,
		MustRegexMatcher(`(?i)^\s*"?datkey=`+hexKey+`"?\s*$`),
		MustRegexMatcher(`(?i)^\s*(?:dat:)?(?://)?`+hexKey+`\s*$`),
		"dat", MaxRedirects,
	)

	Cabal = Standard("cabal",
		literalKey,
		MustRegexMatcher(`(?i)^\s*"?cabalkey=`+hexKey+`"?\s*$`),
		MustRegexMatcher(`(?i)^\s*(?:cabal:)?(?://)?`+hexKey+`\s*$`),
		"cabal", MaxRedirects,
	)

	Ara = &Protocol{
		Name:   "ara",
		Key:    literalKey,
		Lookup: araLookup,
	}
)

var (
	araTxt        = MustRegexMatcher(`(?i)^\s*"?did:ara:` + hexKey + `"?\s*$`)
	araDelegation = MustRegexMatcher(`(?i)^\s*"?ara=(?P<key>well-known)"?\s*$`)
	araWellKnown  = MustRegexMatcher(`(?i)^\s*(?:did:ara:)?` + hexKey + `\s*$`)
)

// araLookup resolves "did:ara:{key}" TXT records. A TXT record
// "ara=well-known" delegates to the well-known file, the result then
// lives no longer than the delegating record.
func araLookup(ctx context.Context, rc *resolve_context.Context, name string) (*resolve_context.Record, error) {
	if r := rc.MatchRegex(name, literalKey); r != nil {
		return r, nil
	}
	r, err := rc.DNSTxtRecord(ctx, name, araTxt)
	if r != nil || err != nil {
		return r, err
	}
	delegation, err := rc.DNSTxtMatch(ctx, name, araDelegation)
	if err != nil {
		return nil, err
	}
	r, err = rc.WellKnown(ctx, name, "ara", araWellKnown, MaxRedirects)
	if r == nil || err != nil || delegation == nil {
		return r, err
	}
	if delegation.TTL >= 0 && delegation.TTL < r.TTL {
		r.TTL = delegation.TTL
	}
	return r, nil
}

// Builtin returns the built-in protocols in their default order.
func Builtin() []*Protocol {
	return []*Protocol{Hyper, Dat, Cabal, Ara}
}
