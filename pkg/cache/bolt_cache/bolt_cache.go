package bolt_cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/utils"
)

var (
	ErrClosed = errors.New("bolt cache closed")

	nopLogger = zap.NewNop()
)

const (
	defaultBucket        = "names"
	defaultAutoClose     = 5 * time.Second
	defaultMaxFileSize   = 10 * 1024 * 1024
	defaultCheckInterval = 5 * time.Second
	openTimeout          = time.Second
)

type BoltCacheOpts struct {
	// File is the path of the database file. Required.
	// Missing parent directories are created on first use.
	File string

	// Bucket name. Default is "names".
	Bucket string

	// AutoClose closes the database after it was idle for this long.
	// Default is 5s.
	AutoClose time.Duration

	// MaxFileSize triggers a compaction of the database file once
	// exceeded. Default is 10MB.
	MaxFileSize int64

	// CheckInterval is the interval of the file size check.
	// Default is 5s. A negative value disables the check.
	CheckInterval time.Duration

	Clock clockwork.Clock

	// Logger is the *zap.Logger for this BoltCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *BoltCacheOpts) Init() error {
	if len(opts.File) == 0 {
		return errors.New("missing database file")
	}
	utils.SetDefaultString(&opts.Bucket, defaultBucket)
	utils.SetDefaultNum(&opts.AutoClose, defaultAutoClose)
	utils.SetDefaultNum(&opts.MaxFileSize, defaultMaxFileSize)
	if opts.CheckInterval == 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// BoltCache is a durable cache.Backend stored in a bbolt file.
// Records are keyed by "{name}\x00{protocol}" so that all records of
// a name are adjacent. The file is opened lazily and closed again once
// no operation used it for opts.AutoClose.
type BoltCache struct {
	opts   BoltCacheOpts
	bucket []byte

	m         sync.Mutex
	db        *bbolt.DB
	users     int
	idleTimer *time.Timer
	closed    bool
	closeChan chan struct{}
}

var _ cache.Backend = (*BoltCache)(nil)

func NewBoltCache(opts BoltCacheOpts) (*BoltCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c := &BoltCache{
		opts:      opts,
		bucket:    []byte(opts.Bucket),
		closeChan: make(chan struct{}),
	}
	if opts.CheckInterval > 0 {
		go c.startSizeChecker()
	}
	return c, nil
}

func recordKey(protocol, name string) []byte {
	return []byte(name + "\x00" + protocol)
}

func namePrefix(name string) []byte {
	return []byte(name + "\x00")
}

func (c *BoltCache) Get(ctx context.Context, protocol, name string) (*cache.Record, error) {
	var r *cache.Record
	err := c.view(ctx, func(b *bbolt.Bucket) error {
		v := b.Get(recordKey(protocol, name))
		if v == nil {
			return nil
		}
		rec, err := cache.UnpackRecord(v)
		if err != nil {
			return fmt.Errorf("invalid record of %s:%s: %w", protocol, name, err)
		}
		r = &rec
		return nil
	})
	return r, err
}

func (c *BoltCache) Store(ctx context.Context, protocol, name string, r cache.Record) error {
	return c.update(ctx, func(b *bbolt.Bucket) error {
		return b.Put(recordKey(protocol, name), cache.PackRecord(r))
	})
}

func (c *BoltCache) ClearName(ctx context.Context, name string) error {
	prefix := namePrefix(name)
	return c.update(ctx, func(b *bbolt.Bucket) error {
		var keys [][]byte
		cur := b.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		return deleteKeys(b, keys)
	})
}

func (c *BoltCache) Clear(ctx context.Context) error {
	return c.updateTx(ctx, func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(c.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(c.bucket)
		return err
	})
}

func (c *BoltCache) Flush(ctx context.Context) error {
	now := c.opts.Clock.Now().UnixMilli()
	return c.update(ctx, func(b *bbolt.Bucket) error {
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			r, err := cache.UnpackRecord(v)
			if err != nil || r.Expired(now) {
				keys = append(keys, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		return deleteKeys(b, keys)
	})
}

func deleteKeys(b *bbolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database. Further operations return ErrClosed.
func (c *BoltCache) Close() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeChan)
	return c.closeDBLocked()
}

// Opened reports whether the database file is currently open.
func (c *BoltCache) Opened() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.db != nil
}

func (c *BoltCache) view(ctx context.Context, f func(b *bbolt.Bucket) error) error {
	db, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release()
	return db.View(func(tx *bbolt.Tx) error {
		return f(tx.Bucket(c.bucket))
	})
}

func (c *BoltCache) update(ctx context.Context, f func(b *bbolt.Bucket) error) error {
	return c.updateTx(ctx, func(tx *bbolt.Tx) error {
		return f(tx.Bucket(c.bucket))
	})
}

func (c *BoltCache) updateTx(ctx context.Context, f func(tx *bbolt.Tx) error) error {
	db, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release()
	return db.Update(f)
}

// acquire opens the database if needed and registers a user of it.
// Each successful call must be followed by a release.
func (c *BoltCache) acquire(ctx context.Context) (*bbolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.db == nil {
		db, err := c.open(c.opts.File)
		if err != nil {
			return nil, err
		}
		c.db = db
	}
	c.users++
	return c.db, nil
}

func (c *BoltCache) release() {
	c.m.Lock()
	defer c.m.Unlock()
	c.users--
	if c.users == 0 && c.db != nil && !c.closed {
		c.idleTimer = time.AfterFunc(c.opts.AutoClose, c.closeIdle)
	}
}

func (c *BoltCache) closeIdle() {
	c.m.Lock()
	defer c.m.Unlock()
	if c.users > 0 || c.db == nil {
		return
	}
	c.opts.Logger.Debug("closing idle database", zap.String("file", c.opts.File))
	if err := c.closeDBLocked(); err != nil {
		c.opts.Logger.Warn("failed to close idle database", zap.Error(err))
	}
}

func (c *BoltCache) closeDBLocked() error {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *BoltCache) open(file string) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	c.opts.Logger.Debug("opening database", zap.String("file", file), zap.String("bucket", c.opts.Bucket))
	db, err := bbolt.Open(file, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(c.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init bucket: %w", err)
	}
	return db, nil
}

func (c *BoltCache) startSizeChecker() {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.compactIfNeeded(); err != nil {
				c.opts.Logger.Warn("failed to compact database", zap.String("file", c.opts.File), zap.Error(err))
			}
		}
	}
}

// compactIfNeeded rewrites the database file into a fresh one once it
// grew beyond opts.MaxFileSize. bbolt never shrinks its file on delete.
// It is skipped while the database is in use.
func (c *BoltCache) compactIfNeeded() error {
	st, err := os.Stat(c.opts.File)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if st.Size() <= c.opts.MaxFileSize {
		return nil
	}

	c.m.Lock()
	defer c.m.Unlock()
	if c.closed || c.users > 0 {
		return nil
	}

	src := c.db
	if src == nil {
		if src, err = c.open(c.opts.File); err != nil {
			return err
		}
	}
	c.db = src
	defer c.closeDBLocked()

	tmp := c.opts.File + ".compact"
	_ = os.Remove(tmp)
	dst, err := bbolt.Open(tmp, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return err
	}
	if err := bbolt.Compact(dst, src, 0); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := c.closeDBLocked(); err != nil {
		return err
	}
	c.opts.Logger.Info("database compacted", zap.String("file", c.opts.File), zap.Int64("size_before", st.Size()))
	return os.Rename(tmp, c.opts.File)
}
