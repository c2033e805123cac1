package adapter

import (
	"context"
	"time"
)

// SetRef names a set. Family and Table only matter for nf_tables.
type SetRef struct {
	Family string
	Table  string
	Name   string
}

func (r SetRef) String() string {
	if r.Table == "" {
		return r.Name
	}
	return r.Table + "." + r.Name
}

type CreateOptions struct {
	Family   Family
	Network  bool
	Timeout  time.Duration
	HashSize uint32
	MaxElem  uint32
}

// SetBackend is the capability set both backends answer to. Operations a
// backend cannot express return an Unsupported error instead of being left
// out.
type SetBackend interface {
	Type() string
	Create(ctx context.Context, set SetRef, options CreateOptions) error
	Destroy(ctx context.Context, set SetRef) error
	Add(ctx context.Context, set SetRef, entry IPEntry) error
	Del(ctx context.Context, set SetRef, entry IPEntry) error
	Test(ctx context.Context, set SetRef, entry IPEntry) (bool, error)
	List(ctx context.Context, set SetRef) ([]IPEntry, error)
	Flush(ctx context.Context, set SetRef) error
	Rename(ctx context.Context, from SetRef, to string) error
	Swap(ctx context.Context, a SetRef, b SetRef) error
}

type TableBackend interface {
	CreateTable(ctx context.Context, family string, table string) error
	DeleteTable(ctx context.Context, family string, table string) error
	ListTables(ctx context.Context, family string) ([]string, error)
}
