package server

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServeHTTP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ServerOpts{HttpHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})})
	errChan := make(chan error, 1)
	go func() { errChan <- s.ServeHTTP(l) }()

	res, err := http.Get("http://" + l.Addr().String() + "/")
	require.NoError(t, err)
	b, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	s.Close()
	assert.True(t, s.Closed())
	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
}

func TestServer_closed(t *testing.T) {
	s := NewServer(ServerOpts{HttpHandler: http.NotFoundHandler()})
	s.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeHTTP(l), ErrServerClosed)

	l, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, NewServer(ServerOpts{}).ServeHTTP(l), errMissingHTTPHandler)
}
