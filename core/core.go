package core

import (
	"context"
	"fmt"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/constant"
	"github.com/yaotthaha/nlset/ipset"
	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/nfnl"
	"github.com/yaotthaha/nlset/nftset"
	"github.com/yaotthaha/nlset/option"

	"github.com/fatih/color"
)

var (
	_ adapter.SetBackend   = (*Backend)(nil)
	_ adapter.TableBackend = (*Backend)(nil)
)

// Backend is the tagged variant over the two kernel backends. Exactly one of
// ipset and nftables is set, operations the chosen backend cannot express
// return an Unsupported error.
type Backend struct {
	typ      constant.BackendType
	logger   log.ContextLogger
	ipset    *ipset.IPSet
	nftables *nftset.NFTables
	family   nftset.Family
}

func NewBackend(logger log.Logger, typ constant.BackendType, options option.Option) (*Backend, error) {
	return newBackend(logger, typ, nfnl.NewClient(logger, options.NetlinkOptions), options)
}

func newBackend(logger log.Logger, typ constant.BackendType, client *nfnl.Client, options option.Option) (*Backend, error) {
	options.Default()
	tagLogger := log.NewTagLogger(logger, fmt.Sprintf("backend/%s", typ))
	if clogger, isSetColorLogger := tagLogger.(log.SetColorLogger); isSetColorLogger {
		clogger.SetColor(color.FgCyan)
	}
	b := &Backend{
		typ:    typ,
		logger: log.NewContextLogger(tagLogger),
	}
	switch typ {
	case constant.BackendIPSet:
		b.ipset = ipset.New(client, options.IPSetOptions)
	case constant.BackendNFTables:
		family, err := nftset.ParseFamily(options.NFTablesOptions.Family)
		if err != nil {
			return nil, fmt.Errorf("init nftables backend fail: %s", err)
		}
		b.family = family
		b.nftables = nftset.New(client)
	default:
		return nil, fmt.Errorf("unknown backend: %s", typ)
	}
	return b, nil
}

func (b *Backend) Type() string {
	return string(b.typ)
}

// do runs one operation under its own context tag.
func (b *Backend) do(ctx context.Context, op string, f func(ctx context.Context) error) error {
	ctx = log.AddContextTag(ctx, op)
	b.logger.DebugContext(ctx, "start")
	err := f(ctx)
	if err != nil {
		b.logger.DebugContext(ctx, fmt.Sprintf("fail: %s", err))
		return err
	}
	b.logger.DebugContext(ctx, "done")
	return nil
}

func (b *Backend) nftFamily(op string, s string) (nftset.Family, error) {
	if s == "" {
		return b.family, nil
	}
	family, err := nftset.ParseFamily(s)
	if err != nil {
		return 0, adapter.WrapError(adapter.KindUnsupported, op, err)
	}
	return family, nil
}

// nftSet resolves the family and checks the table is named.
func (b *Backend) nftSet(op string, set adapter.SetRef) (nftset.Family, error) {
	family, err := b.nftFamily(op, set.Family)
	if err != nil {
		return 0, err
	}
	if set.Table == "" {
		return 0, adapter.NewError(adapter.KindNotFound, op, "no table given for set %s", set.Name)
	}
	return family, nil
}

func (b *Backend) Create(ctx context.Context, set adapter.SetRef, options adapter.CreateOptions) error {
	op := fmt.Sprintf("create %s", set)
	return b.do(ctx, op, func(ctx context.Context) error {
		family := options.Family
		if family == adapter.FamilyUnspec {
			family = adapter.Inet
		}
		if b.ipset != nil {
			typ := ipset.HashIP
			if options.Network {
				typ = ipset.HashNet
			}
			return b.ipset.Create(ctx, set.Name, ipset.CreateOptions{
				Type:     typ,
				Family:   family,
				Timeout:  options.Timeout,
				HashSize: options.HashSize,
				MaxElem:  options.MaxElem,
			})
		}
		tableFamily, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		return b.nftables.CreateSet(ctx, tableFamily, set.Table, set.Name, nftset.CreateOptions{
			Type:     nftset.SetTypeOf(family),
			Timeout:  options.Timeout,
			Interval: options.Network,
		})
	})
}

func (b *Backend) Destroy(ctx context.Context, set adapter.SetRef) error {
	op := fmt.Sprintf("destroy %s", set)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Destroy(ctx, set.Name)
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		return b.nftables.DeleteSet(ctx, family, set.Table, set.Name)
	})
}

func (b *Backend) Add(ctx context.Context, set adapter.SetRef, entry adapter.IPEntry) error {
	op := fmt.Sprintf("add %s %s", set, entry)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Add(ctx, set.Name, entry)
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		return b.nftables.Add(ctx, family, set.Table, set.Name, entry)
	})
}

func (b *Backend) Del(ctx context.Context, set adapter.SetRef, entry adapter.IPEntry) error {
	op := fmt.Sprintf("del %s %s", set, entry)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Del(ctx, set.Name, entry)
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		return b.nftables.Del(ctx, family, set.Table, set.Name, entry)
	})
}

func (b *Backend) Test(ctx context.Context, set adapter.SetRef, entry adapter.IPEntry) (bool, error) {
	op := fmt.Sprintf("test %s %s", set, entry)
	var found bool
	err := b.do(ctx, op, func(ctx context.Context) error {
		var err error
		if b.ipset != nil {
			found, err = b.ipset.Test(ctx, set.Name, entry)
			return err
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		found, err = b.nftables.Test(ctx, family, set.Table, set.Name, entry)
		return err
	})
	return found, err
}

func (b *Backend) List(ctx context.Context, set adapter.SetRef) ([]adapter.IPEntry, error) {
	op := fmt.Sprintf("list %s", set)
	var entries []adapter.IPEntry
	err := b.do(ctx, op, func(ctx context.Context) error {
		var err error
		if b.ipset != nil {
			entries, err = b.ipset.List(ctx, set.Name)
			return err
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		entries, err = b.nftables.List(ctx, family, set.Table, set.Name)
		return err
	})
	return entries, err
}

func (b *Backend) Flush(ctx context.Context, set adapter.SetRef) error {
	op := fmt.Sprintf("flush %s", set)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Flush(ctx, set.Name)
		}
		family, err := b.nftSet(op, set)
		if err != nil {
			return err
		}
		return b.nftables.Flush(ctx, family, set.Table, set.Name)
	})
}

func (b *Backend) Rename(ctx context.Context, from adapter.SetRef, to string) error {
	op := fmt.Sprintf("rename %s %s", from, to)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Rename(ctx, from.Name, to)
		}
		family, err := b.nftFamily(op, from.Family)
		if err != nil {
			return err
		}
		return b.nftables.Rename(ctx, family, from.Table, from.Name, to)
	})
}

func (b *Backend) Swap(ctx context.Context, x adapter.SetRef, y adapter.SetRef) error {
	op := fmt.Sprintf("swap %s %s", x, y)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.ipset != nil {
			return b.ipset.Swap(ctx, x.Name, y.Name)
		}
		family, err := b.nftFamily(op, x.Family)
		if err != nil {
			return err
		}
		return b.nftables.Swap(ctx, family, x.Table, x.Name, y.Name)
	})
}

func (b *Backend) CreateTable(ctx context.Context, family string, table string) error {
	op := fmt.Sprintf("create table %s", table)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.nftables == nil {
			return adapter.UnsupportedError(op, b.Type())
		}
		tableFamily, err := b.nftFamily(op, family)
		if err != nil {
			return err
		}
		return b.nftables.CreateTable(ctx, tableFamily, table)
	})
}

func (b *Backend) DeleteTable(ctx context.Context, family string, table string) error {
	op := fmt.Sprintf("delete table %s", table)
	return b.do(ctx, op, func(ctx context.Context) error {
		if b.nftables == nil {
			return adapter.UnsupportedError(op, b.Type())
		}
		tableFamily, err := b.nftFamily(op, family)
		if err != nil {
			return err
		}
		return b.nftables.DeleteTable(ctx, tableFamily, table)
	})
}

func (b *Backend) ListTables(ctx context.Context, family string) ([]string, error) {
	op := "list tables"
	var names []string
	err := b.do(ctx, op, func(ctx context.Context) error {
		if b.nftables == nil {
			return adapter.UnsupportedError(op, b.Type())
		}
		// no family lists the tables of every family
		tableFamily := nftset.FamilyUnspec
		if family != "" {
			var err error
			tableFamily, err = b.nftFamily(op, family)
			if err != nil {
				return err
			}
		}
		tables, err := b.nftables.ListTables(ctx, tableFamily)
		if err != nil {
			return err
		}
		for _, table := range tables {
			names = append(names, table.Name)
		}
		return nil
	})
	return names, err
}

// Core serves both backends over the HTTP API until its context ends.
type Core struct {
	ctx       context.Context
	logger    log.Logger
	backends  map[constant.BackendType]*Backend
	apiServer *APIServer
}

func New(ctx context.Context, logger log.Logger, options option.Option) (*Core, error) {
	core := &Core{
		ctx:      ctx,
		logger:   log.NewTagLogger(logger, "core"),
		backends: make(map[constant.BackendType]*Backend),
	}
	if clogger, isSetColorLogger := core.logger.(log.SetColorLogger); isSetColorLogger {
		clogger.SetColor(color.FgYellow)
	}
	for _, typ := range []constant.BackendType{constant.BackendIPSet, constant.BackendNFTables} {
		backend, err := NewBackend(logger, typ, options)
		if err != nil {
			return nil, fmt.Errorf("init backend %s fail: %s", typ, err)
		}
		core.backends[typ] = backend
	}
	apiServer, err := NewAPIServer(ctx, logger, options.APIOptions, core.backends)
	if err != nil {
		return nil, fmt.Errorf("init api server fail: %s", err)
	}
	core.apiServer = apiServer
	return core, nil
}

func (c *Core) Backend(typ constant.BackendType) *Backend {
	return c.backends[typ]
}

func (c *Core) Run() error {
	c.logger.Info("core start")
	startTime := time.Now()
	defer c.logger.Info("core close")
	startFatalCtx, startFatalCancel := context.WithCancelCause(c.ctx)
	defer startFatalCancel(nil)
	c.apiServer.WithFatalCloser(startFatalCancel)
	err := c.apiServer.Start()
	if err != nil {
		return fmt.Errorf("api server start fail: %s", err)
	}
	defer func() {
		err := c.apiServer.Close()
		if err != nil {
			c.logger.Error(fmt.Sprintf("api server close fail: %s", err))
		}
	}()
	c.logger.Info(fmt.Sprintf("core is running, cost %s", time.Since(startTime).String()))
	<-startFatalCtx.Done()
	if cause := context.Cause(startFatalCtx); cause != nil && c.ctx.Err() == nil {
		return cause
	}
	return nil
}
