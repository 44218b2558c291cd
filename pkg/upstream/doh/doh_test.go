package doh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hyperdns/pkg/dnsutils"
)

func TestParseAnswers(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []dnsutils.TxtAnswer
		wantErr error
	}{
		{"not json", "hello", nil, ErrInvalidJSON},
		{"root array", `[]`, nil, ErrInvalidJSON},
		{"root null", `null`, nil, ErrInvalidJSON},
		{"no answer", `{}`, []dnsutils.TxtAnswer{}, nil},
		{"null answer", `{"Answer":null}`, []dnsutils.TxtAnswer{}, nil},
		{"object answer", `{"Answer":{}}`, nil, ErrInvalidAnswer},
		{"string answer", `{"Answer":"x"}`, nil, ErrInvalidAnswer},
		{
			"filtered",
			`{"Answer":[null, 1, "a", {"data": 2}, {"TTL": 3}, {"data":"datkey=abc","TTL":300}, {"data":"x"}, {"data":"y","TTL":-1}, {"data":"z","TTL":"3"}]}`,
			[]dnsutils.TxtAnswer{
				{Data: "datkey=abc", TTL: 300},
				{Data: "x", TTL: dnsutils.NoTTL},
				{Data: "y", TTL: dnsutils.NoTTL},
				{Data: "z", TTL: dnsutils.NoTTL},
			},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnswers([]byte(tt.body))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpstream_LookupTXT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		assert.Equal(t, "hyperdns/test", r.Header.Get("User-Agent"))
		assert.Equal(t, "TXT", r.URL.Query().Get("type"))
		switch r.URL.Query().Get("name") {
		case "example.com.":
			w.Write([]byte(`{"Answer":[{"data":"datkey=abc","TTL":10}]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	u := NewUpstream(srv.URL+"/dns-query", srv.Client(), "hyperdns/test")
	require.Equal(t, srv.URL+"/dns-query?name=example.com.&type=TXT", u.QueryURL("example.com"))
	require.Equal(t, srv.URL+"/dns-query?name=example.com.&type=TXT", u.QueryURL("example.com."))

	got, err := u.LookupTXT(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []dnsutils.TxtAnswer{{Data: "datkey=abc", TTL: 10}}, got)

	_, err = u.LookupTXT(context.Background(), "other.com")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.Code)
}
