package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// Record is the cached result of resolving one (protocol, name) pair.
type Record struct {
	// Key is the resolved key. An empty Key is a confirmed miss.
	Key string

	// Expires is a unix timestamp in milliseconds after which the
	// record must not be trusted. Zero means "do not cache".
	Expires int64
}

// Expired reports whether r has expired at now (unix milliseconds).
func (r *Record) Expired(now int64) bool {
	return r.Expires < now
}

// Miss reports whether r is a confirmed miss.
func (r *Record) Miss() bool {
	return len(r.Key) == 0
}

type Backend interface {
	// Get returns the record stored for protocol and name.
	// A nil record with a nil error means not found.
	// Expired records are returned as well, callers decide
	// whether a stale record is still useful.
	Get(ctx context.Context, protocol, name string) (*Record, error)

	// Store stores r for protocol and name, replacing any earlier record.
	Store(ctx context.Context, protocol, name string, r Record) error

	// ClearName removes the records of name for all protocols.
	ClearName(ctx context.Context, name string) error

	// Clear removes all records.
	Clear(ctx context.Context) error

	// Flush removes expired records only.
	Flush(ctx context.Context) error

	io.Closer
}

// Key returns the composite key of protocol and name.
// Protocol names never contain ':'.
func Key(protocol, name string) string {
	return protocol + ":" + name
}

// SplitKey is the reverse of Key.
func SplitKey(k string) (protocol, name string, ok bool) {
	return strings.Cut(k, ":")
}

var errShortRecord = errors.New("record is too short")

// PackRecord packs r into the binary form used by the durable backends:
// 8 bytes big endian expiration (unix ms) followed by the key.
func PackRecord(r Record) []byte {
	b := make([]byte, 8+len(r.Key))
	binary.BigEndian.PutUint64(b[:8], uint64(r.Expires))
	copy(b[8:], r.Key)
	return b
}

func UnpackRecord(b []byte) (Record, error) {
	if len(b) < 8 {
		return Record{}, errShortRecord
	}
	return Record{
		Expires: int64(binary.BigEndian.Uint64(b[:8])),
		Key:     string(b[8:]),
	}, nil
}
