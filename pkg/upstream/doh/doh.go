package doh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/pmkol/hyperdns/pkg/dnsutils"
)

const (
	jsonContentType = "application/dns-json"
	maxBodySize     = 64 * 1024
)

var (
	ErrInvalidJSON   = errors.New("invalid doh record, must provide a json object")
	ErrInvalidAnswer = errors.New("invalid doh record, Answer must be a list")
	ErrBodyTooLarge  = errors.New("doh response is too large")
)

// StatusError is returned when a provider answers with anything but 200.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("doh: http status %d from %s", e.Code, e.URL)
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Upstream queries one DNS-over-HTTPS provider with the json api.
type Upstream struct {
	endpoint  string
	doer      Doer
	userAgent string
}

func NewUpstream(endpoint string, doer Doer, userAgent string) *Upstream {
	return &Upstream{
		endpoint:  endpoint,
		doer:      doer,
		userAgent: userAgent,
	}
}

func (u *Upstream) Endpoint() string {
	return u.endpoint
}

// QueryURL returns the request url for a TXT query of name.
func (u *Upstream) QueryURL(name string) string {
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	q := url.Values{"name": {name}, "type": {"TXT"}}
	return u.endpoint + "?" + q.Encode()
}

// LookupTXT returns the TXT answers of name. An empty answer list is
// a valid result. Any error means this provider could not be used.
func (u *Upstream) LookupTXT(ctx context.Context, name string) ([]dnsutils.TxtAnswer, error) {
	path := u.QueryURL(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	// Cloudflare requires this exact header.
	req.Header.Set("Accept", jsonContentType)
	if len(u.userAgent) > 0 {
		req.Header.Set("User-Agent", u.userAgent)
	}

	res, err := u.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: path, Code: res.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, ErrBodyTooLarge
	}
	return ParseAnswers(body)
}

// ParseAnswers parses a json api response body.
// A missing or null Answer is an empty list. Answers that are not
// objects or carry no string data are dropped. A missing, negative
// or non-numeric TTL becomes dnsutils.NoTTL.
func ParseAnswers(body []byte) ([]dnsutils.TxtAnswer, error) {
	var root map[string]jsontext.Value
	if err := json.Unmarshal(body, &root); err != nil || root == nil {
		return nil, ErrInvalidJSON
	}

	raw, ok := root["Answer"]
	if !ok || raw.Kind() == 'n' {
		return []dnsutils.TxtAnswer{}, nil
	}
	if raw.Kind() != '[' {
		return nil, ErrInvalidAnswer
	}
	var items []jsontext.Value
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, ErrInvalidAnswer
	}

	answers := make([]dnsutils.TxtAnswer, 0, len(items))
	for _, item := range items {
		if item.Kind() != '{' {
			continue
		}
		var fields map[string]jsontext.Value
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		data, ok := fields["data"]
		if !ok || data.Kind() != '"' {
			continue
		}
		a := dnsutils.TxtAnswer{TTL: dnsutils.NoTTL}
		if err := json.Unmarshal(data, &a.Data); err != nil {
			continue
		}
		if ttl, ok := fields["TTL"]; ok && ttl.Kind() == '0' {
			var f float64
			if err := json.Unmarshal(ttl, &f); err == nil && f >= 0 && f <= math.MaxInt32 {
				a.TTL = int(f)
			}
		}
		answers = append(answers, a)
	}
	return answers, nil
}
