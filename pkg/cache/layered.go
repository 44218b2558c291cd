package cache

import (
	"context"

	"go.uber.org/multierr"
)

// Layered puts a fast in-memory Backend in front of a durable one.
// Writes go to both layers. Reads that miss the memory layer are served
// by the durable layer and promoted into memory.
type Layered struct {
	mem     Backend
	durable Backend
}

var _ Backend = (*Layered)(nil)

func NewLayered(mem, durable Backend) *Layered {
	return &Layered{mem: mem, durable: durable}
}

func (l *Layered) Get(ctx context.Context, protocol, name string) (*Record, error) {
	r, err := l.mem.Get(ctx, protocol, name)
	if err == nil && r != nil {
		return r, nil
	}

	r, err = l.durable.Get(ctx, protocol, name)
	if err != nil || r == nil {
		return nil, err
	}
	if err := l.mem.Store(ctx, protocol, name, *r); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *Layered) Store(ctx context.Context, protocol, name string, r Record) error {
	if err := l.mem.Store(ctx, protocol, name, r); err != nil {
		return err
	}
	return l.durable.Store(ctx, protocol, name, r)
}

func (l *Layered) ClearName(ctx context.Context, name string) error {
	return multierr.Append(l.mem.ClearName(ctx, name), l.durable.ClearName(ctx, name))
}

func (l *Layered) Clear(ctx context.Context) error {
	return multierr.Append(l.mem.Clear(ctx), l.durable.Clear(ctx))
}

func (l *Layered) Flush(ctx context.Context) error {
	return multierr.Append(l.mem.Flush(ctx), l.durable.Flush(ctx))
}

func (l *Layered) Close() error {
	return multierr.Append(l.mem.Close(), l.durable.Close())
}
