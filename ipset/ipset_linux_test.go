//go:build linux

package ipset_test

import (
	"context"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/ipset"
	"github.com/yaotthaha/nlset/nfnl"
	"github.com/yaotthaha/nlset/nfnl/nfnltest"
	"github.com/yaotthaha/nlset/option"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

type fakeSet struct {
	typeName string
	revision uint8
	family   uint8
	timeout  uint32
	entries  map[netip.Prefix]uint32
}

// fakeKernel keeps ipset state the way the kernel reports it back.
type fakeKernel struct {
	t        *testing.T
	sets     map[string]*fakeSet
	seen     []nfnl.Message
	flags    []netlink.HeaderFlags
	protocol uint8
	// badAddr makes list replies carry an unknown address attribute
	badAddr bool
}

func newFakeKernel(t *testing.T) *fakeKernel {
	return &fakeKernel{
		t:        t,
		sets:     make(map[string]*fakeSet),
		protocol: nl.IPSET_PROTOCOL,
	}
}

func (k *fakeKernel) commands() []uint8 {
	var cmds []uint8
	for _, m := range k.seen {
		cmds = append(cmds, m.Command)
	}
	return cmds
}

func (k *fakeKernel) reply(req netlink.Message, cmd uint8, attrs ...nfnl.Attr) netlink.Message {
	return nfnltest.Reply(req, nfnl.Message{
		Subsystem: nfnl.SubsysIPSet,
		Command:   cmd,
		Family:    unix.AF_INET,
		Attrs:     append(nfnl.Attrs{nfnl.Uint8(nl.IPSET_ATTR_PROTOCOL, k.protocol)}, attrs...),
	})
}

func parseEntry(data nfnl.Attrs) (netip.Prefix, uint32, bool) {
	ip, ok := data.Nested(nl.IPSET_ATTR_IP)
	if !ok {
		return netip.Prefix{}, 0, false
	}
	var addr netip.Addr
	if a, found := ip.Get(nl.IPSET_ATTR_IPADDR_IPV4); found && a.NetByteOrder {
		addr, ok = a.AsAddr()
	} else if a, found := ip.Get(nl.IPSET_ATTR_IPADDR_IPV6); found && a.NetByteOrder {
		addr, ok = a.AsAddr()
	} else {
		return netip.Prefix{}, 0, false
	}
	bits := addr.BitLen()
	if cidr, found := data.Uint8(nl.IPSET_ATTR_CIDR); found {
		bits = int(cidr)
	}
	timeout, _ := data.Uint32BE(nl.IPSET_ATTR_TIMEOUT)
	return netip.PrefixFrom(addr, bits).Masked(), timeout, ok
}

func (k *fakeKernel) handle(reqs []netlink.Message) ([]netlink.Message, error) {
	req, msg, err := nfnltest.Decode(reqs)
	require.NoError(k.t, err)
	require.Equal(k.t, nfnl.SubsysIPSet, msg.Subsystem)
	protocol, ok := msg.Attrs.Uint8(nl.IPSET_ATTR_PROTOCOL)
	require.True(k.t, ok)
	require.Equal(k.t, uint8(nl.IPSET_PROTOCOL), protocol)
	k.seen = append(k.seen, msg)
	k.flags = append(k.flags, req.Header.Flags)

	name, _ := msg.Attrs.String(nl.IPSET_ATTR_SETNAME)
	set := k.sets[name]
	errno := func(code int) ([]netlink.Message, error) {
		return []netlink.Message{nfnltest.Errno(req, code)}, nil
	}
	ack := []netlink.Message{nfnltest.Ack(req)}

	switch msg.Command {
	case nl.IPSET_CMD_PROTOCOL:
		return []netlink.Message{k.reply(req, nl.IPSET_CMD_PROTOCOL)}, nil
	case nl.IPSET_CMD_CREATE:
		if set != nil {
			if req.Header.Flags&netlink.Excl != 0 {
				return errno(int(unix.EEXIST))
			}
			return ack, nil
		}
		typeName, _ := msg.Attrs.String(nl.IPSET_ATTR_TYPENAME)
		revision, _ := msg.Attrs.Uint8(nl.IPSET_ATTR_REVISION)
		family, _ := msg.Attrs.Uint8(nl.IPSET_ATTR_FAMILY)
		data, _ := msg.Attrs.Nested(nl.IPSET_ATTR_DATA)
		timeout, _ := data.Uint32BE(nl.IPSET_ATTR_TIMEOUT)
		k.sets[name] = &fakeSet{
			typeName: typeName,
			revision: revision,
			family:   family,
			timeout:  timeout,
			entries:  make(map[netip.Prefix]uint32),
		}
		return ack, nil
	}

	if set == nil {
		// without NLM_F_EXCL a missing set counts as already destroyed
		if msg.Command == nl.IPSET_CMD_DESTROY && req.Header.Flags&netlink.Excl == 0 {
			return ack, nil
		}
		return errno(int(unix.ENOENT))
	}

	switch msg.Command {
	case nl.IPSET_CMD_HEADER:
		return []netlink.Message{k.reply(req, nl.IPSET_CMD_HEADER,
			nfnl.String(nl.IPSET_ATTR_SETNAME, name),
			nfnl.String(nl.IPSET_ATTR_TYPENAME, set.typeName),
			nfnl.Uint8(nl.IPSET_ATTR_REVISION, set.revision),
			nfnl.Uint8(nl.IPSET_ATTR_FAMILY, set.family),
		)}, nil
	case nl.IPSET_CMD_DESTROY:
		delete(k.sets, name)
		return ack, nil
	case nl.IPSET_CMD_FLUSH:
		set.entries = make(map[netip.Prefix]uint32)
		return ack, nil
	case nl.IPSET_CMD_RENAME, nl.IPSET_CMD_SWAP:
		other, _ := msg.Attrs.String(nl.IPSET_ATTR_SETNAME2)
		target := k.sets[other]
		if msg.Command == nl.IPSET_CMD_RENAME {
			if target != nil {
				return errno(nl.IPSET_ERR_EXIST_SETNAME2)
			}
			delete(k.sets, name)
			k.sets[other] = set
			return ack, nil
		}
		if target == nil {
			return errno(nl.IPSET_ERR_EXIST_SETNAME2)
		}
		if target.typeName != set.typeName || target.family != set.family {
			return errno(nl.IPSET_ERR_TYPE_MISMATCH)
		}
		k.sets[name], k.sets[other] = target, set
		return ack, nil
	case nl.IPSET_CMD_ADD, nl.IPSET_CMD_DEL, nl.IPSET_CMD_TEST:
		data, ok := msg.Attrs.Nested(nl.IPSET_ATTR_DATA)
		require.True(k.t, ok)
		prefix, timeout, ok := parseEntry(data)
		require.True(k.t, ok)
		if (set.family == unix.NFPROTO_IPV4) != prefix.Addr().Is4() {
			if set.family == unix.NFPROTO_IPV4 {
				return errno(nl.IPSET_ERR_IPADDR_IPV4)
			}
			return errno(nl.IPSET_ERR_IPADDR_IPV6)
		}
		_, exists := set.entries[prefix]
		switch msg.Command {
		case nl.IPSET_CMD_ADD:
			if exists && req.Header.Flags&netlink.Excl != 0 {
				return errno(nl.IPSET_ERR_EXIST)
			}
			if timeout == 0 {
				timeout = set.timeout
			}
			set.entries[prefix] = timeout
		case nl.IPSET_CMD_DEL:
			delete(set.entries, prefix)
		case nl.IPSET_CMD_TEST:
			if !exists {
				return errno(nl.IPSET_ERR_EXIST)
			}
		}
		return ack, nil
	case nl.IPSET_CMD_LIST:
		require.Equal(k.t, netlink.Dump, req.Header.Flags&netlink.Dump)
		msgs := []netlink.Message{k.reply(req, nl.IPSET_CMD_LIST,
			nfnl.String(nl.IPSET_ATTR_SETNAME, name),
			nfnl.String(nl.IPSET_ATTR_TYPENAME, set.typeName),
			nfnl.Uint8(nl.IPSET_ATTR_FAMILY, set.family),
			nfnl.NestedAttr(nl.IPSET_ATTR_DATA,
				nfnl.Uint32BE(nl.IPSET_ATTR_HASHSIZE, 1024).NetOrder(),
				nfnl.Uint32BE(nl.IPSET_ATTR_MAXELEM, 65536).NetOrder(),
			),
		)}
		prefixes := make([]netip.Prefix, 0, len(set.entries))
		for p := range set.entries {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool {
			return prefixes[i].Addr().Less(prefixes[j].Addr())
		})
		// two entries per part to force a multipart dump
		for len(prefixes) > 0 {
			n := 2
			if len(prefixes) < n {
				n = len(prefixes)
			}
			var adt nfnl.Attrs
			for _, p := range prefixes[:n] {
				addrType := uint16(nl.IPSET_ATTR_IPADDR_IPV4)
				if p.Addr().Is6() {
					addrType = nl.IPSET_ATTR_IPADDR_IPV6
				}
				if k.badAddr {
					addrType = 7
				}
				data := nfnl.Attrs{
					nfnl.NestedAttr(nl.IPSET_ATTR_IP, nfnl.Address(addrType, p.Addr()).NetOrder()),
				}
				if !p.IsSingleIP() {
					data = append(data, nfnl.Uint8(nl.IPSET_ATTR_CIDR, uint8(p.Bits())))
				}
				if t := set.entries[p]; t != 0 {
					data = append(data, nfnl.Uint32BE(nl.IPSET_ATTR_TIMEOUT, t).NetOrder())
				}
				adt = append(adt, nfnl.NestedAttr(nl.IPSET_ATTR_DATA, data...))
			}
			msgs = append(msgs, k.reply(req, nl.IPSET_CMD_LIST,
				nfnl.String(nl.IPSET_ATTR_SETNAME, name),
				nfnl.NestedAttr(nl.IPSET_ATTR_ADT, adt...),
			))
			prefixes = prefixes[n:]
		}
		return nfnltest.Dump(req, msgs...), nil
	}
	k.t.Fatalf("unexpected ipset command %d", msg.Command)
	return nil, nil
}

func newIPSet(t *testing.T) (*ipset.IPSet, *fakeKernel) {
	k := newFakeKernel(t)
	return ipset.New(nfnltest.NewClient(k.handle), option.IPSetOptions{}), k
}

func mustEntry(t *testing.T, s string) adapter.IPEntry {
	entry, err := adapter.ParseEntry(s)
	require.NoError(t, err)
	return entry
}

func TestCreateEncoding(t *testing.T) {
	s, k := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{
		Type:    ipset.HashNet,
		Family:  adapter.Inet6,
		Timeout: 90 * time.Second,
	}))
	require.Len(t, k.seen, 1)
	msg := k.seen[0]
	assert.Equal(t, uint8(nl.IPSET_CMD_CREATE), msg.Command)
	assert.NotZero(t, k.flags[0]&netlink.Excl)
	assert.NotZero(t, k.flags[0]&netlink.Acknowledge)

	typeName, _ := msg.Attrs.String(nl.IPSET_ATTR_TYPENAME)
	assert.Equal(t, "hash:net", typeName)
	revision, _ := msg.Attrs.Uint8(nl.IPSET_ATTR_REVISION)
	assert.Equal(t, uint8(option.DefaultHashNetRevision), revision)
	family, _ := msg.Attrs.Uint8(nl.IPSET_ATTR_FAMILY)
	assert.Equal(t, uint8(unix.NFPROTO_IPV6), family)

	data, ok := msg.Attrs.Nested(nl.IPSET_ATTR_DATA)
	require.True(t, ok)
	hashSize, ok := data.Get(nl.IPSET_ATTR_HASHSIZE)
	require.True(t, ok)
	assert.True(t, hashSize.NetByteOrder)
	v, _ := hashSize.AsUint32BE()
	assert.Equal(t, uint32(option.DefaultHashSize), v)
	timeout, ok := data.Uint32BE(nl.IPSET_ATTR_TIMEOUT)
	require.True(t, ok)
	assert.Equal(t, uint32(90), timeout)
}

func TestCreateRevisionFromOptions(t *testing.T) {
	k := newFakeKernel(t)
	s := ipset.New(nfnltest.NewClient(k.handle), option.IPSetOptions{HashIPRevision: 2, HashSize: 64})
	require.NoError(t, s.Create(context.Background(), "s1", ipset.CreateOptions{Family: adapter.Inet}))
	revision, _ := k.seen[0].Attrs.Uint8(nl.IPSET_ATTR_REVISION)
	assert.Equal(t, uint8(2), revision)
	data, _ := k.seen[0].Attrs.Nested(nl.IPSET_ATTR_DATA)
	hashSize, _ := data.Uint32BE(nl.IPSET_ATTR_HASHSIZE)
	assert.Equal(t, uint32(64), hashSize)
	_, ok := data.Get(nl.IPSET_ATTR_TIMEOUT)
	assert.False(t, ok)
}

func TestCreateExistingSet(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet}))
	err := s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet})
	assert.ErrorIs(t, err, adapter.ErrAlreadyExists)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	s, k := newIPSet(t)
	err := s.Create(context.Background(), "s1", ipset.CreateOptions{Type: "bitmap:port", Family: adapter.Inet})
	assert.ErrorIs(t, err, adapter.ErrUnsupported)
	assert.Empty(t, k.seen)
}

func TestLifecycle(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	entry := mustEntry(t, "10.0.0.1")

	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Type: ipset.HashIP, Family: adapter.Inet}))
	require.NoError(t, s.Add(ctx, "s1", entry))

	found, err := s.Test(ctx, "s1", entry)
	require.NoError(t, err)
	assert.True(t, found)

	entries, err := s.List(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []adapter.IPEntry{entry}, entries)

	require.NoError(t, s.Del(ctx, "s1", entry))
	found, err = s.Test(ctx, "s1", entry)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Destroy(ctx, "s1"))
	err = s.Destroy(ctx, "s1")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestAddIsIdempotent(t *testing.T) {
	s, k := newIPSet(t)
	ctx := context.Background()
	entry := mustEntry(t, "192.0.2.7")
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Add(ctx, "s1", entry))
	require.NoError(t, s.Add(ctx, "s1", entry))
	for i, m := range k.seen {
		if m.Command == nl.IPSET_CMD_ADD {
			assert.Zero(t, k.flags[i]&netlink.Excl)
		}
	}
	require.NoError(t, s.Del(ctx, "s1", entry))
	require.NoError(t, s.Del(ctx, "s1", entry))
}

func TestAddFamilyMismatch(t *testing.T) {
	s, k := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet}))
	k.seen = nil

	err := s.Add(ctx, "s1", mustEntry(t, "2001:db8::1"))
	assert.ErrorIs(t, err, adapter.ErrFamilyMismatch)
	assert.Equal(t, []uint8{nl.IPSET_CMD_HEADER}, k.commands())
	assert.Empty(t, k.sets["s1"].entries)

	_, err = s.Test(ctx, "s1", mustEntry(t, "2001:db8::1"))
	assert.ErrorIs(t, err, adapter.ErrFamilyMismatch)
}

func TestAddMissingSet(t *testing.T) {
	s, _ := newIPSet(t)
	err := s.Add(context.Background(), "nope", mustEntry(t, "10.0.0.1"))
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestNetworkEntriesWithTimeout(t *testing.T) {
	s, k := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "nets", ipset.CreateOptions{Type: ipset.HashNet, Family: adapter.Inet, Timeout: time.Hour}))
	net := adapter.NewPrefixEntry(netip.MustParsePrefix("10.1.0.0/16"), 30*time.Second)
	require.NoError(t, s.Add(ctx, "nets", net))

	add := k.seen[len(k.seen)-1]
	data, ok := add.Attrs.Nested(nl.IPSET_ATTR_DATA)
	require.True(t, ok)
	cidr, ok := data.Uint8(nl.IPSET_ATTR_CIDR)
	require.True(t, ok)
	assert.Equal(t, uint8(16), cidr)
	timeout, ok := data.Uint32BE(nl.IPSET_ATTR_TIMEOUT)
	require.True(t, ok)
	assert.Equal(t, uint32(30), timeout)

	require.NoError(t, s.Add(ctx, "nets", mustEntry(t, "10.2.0.1")))
	entries, err := s.List(ctx, "nets")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "10.1.0.0/16", entries[0].String())
	assert.Equal(t, 30*time.Second, entries[0].Timeout())
	assert.Equal(t, "10.2.0.1", entries[1].String())
	assert.Equal(t, time.Hour, entries[1].Timeout())
}

func TestListMultipart(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "v6", ipset.CreateOptions{Family: adapter.Inet6}))
	want := []string{"2001:db8::1", "2001:db8::2", "2001:db8::3", "2001:db8::4", "2001:db8::5"}
	for _, a := range want {
		require.NoError(t, s.Add(ctx, "v6", mustEntry(t, a)))
	}
	entries, err := s.List(ctx, "v6")
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.String())
	}
	assert.Equal(t, want, got)
}

func TestListEmptyAndMissing(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "empty", ipset.CreateOptions{Family: adapter.Inet}))
	entries, err := s.List(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.List(ctx, "missing")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestListUnknownAddressAttribute(t *testing.T) {
	s, k := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Add(ctx, "s1", mustEntry(t, "10.0.0.1")))
	k.badAddr = true
	entries, err := s.List(ctx, "s1")
	assert.ErrorIs(t, err, adapter.ErrMalformed)
	assert.Nil(t, entries)
}

func TestFlush(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Add(ctx, "s1", mustEntry(t, "10.0.0.1")))
	require.NoError(t, s.Add(ctx, "s1", mustEntry(t, "10.0.0.2")))
	require.NoError(t, s.Flush(ctx, "s1"))
	entries, err := s.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenameAndSwap(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "a", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Create(ctx, "b", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Add(ctx, "b", mustEntry(t, "10.0.0.2")))

	err := s.Rename(ctx, "a", "b")
	assert.ErrorIs(t, err, adapter.ErrAlreadyExists)

	require.NoError(t, s.Swap(ctx, "a", "b"))
	entries, err := s.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []adapter.IPEntry{mustEntry(t, "10.0.0.2")}, entries)
	entries, err = s.List(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Rename(ctx, "a", "c"))
	_, err = s.Header(ctx, "a")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
	header, err := s.Header(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "c", header.Name)
	assert.Equal(t, "hash:ip", header.TypeName)
	assert.Equal(t, uint8(option.DefaultHashIPRevision), header.Revision)

	err = s.Swap(ctx, "c", "missing")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
	assert.NotErrorIs(t, err, adapter.ErrAlreadyExists)
}

func TestSwapTypeMismatch(t *testing.T) {
	s, _ := newIPSet(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "v4", ipset.CreateOptions{Family: adapter.Inet}))
	require.NoError(t, s.Create(ctx, "v6", ipset.CreateOptions{Family: adapter.Inet6}))
	err := s.Swap(ctx, "v4", "v6")
	require.Error(t, err)
	header, err := s.Header(ctx, "v4")
	require.NoError(t, err)
	assert.Equal(t, adapter.Inet, header.Family)
}

func TestDestroyMissingSet(t *testing.T) {
	s, k := newIPSet(t)
	err := s.Destroy(context.Background(), "never-created")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
	require.Len(t, k.flags, 1)
	assert.NotZero(t, k.flags[0]&netlink.Excl)
}

func TestProtocol(t *testing.T) {
	s, k := newIPSet(t)
	k.protocol = 7
	protocol, err := s.Protocol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(7), protocol)
}
