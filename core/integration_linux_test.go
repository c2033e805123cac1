//go:build linux

package core

import (
	"context"
	"net/netip"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/constant"
	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/nfnl"
	"github.com/yaotthaha/nlset/option"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// newTestNetNS opens a fresh network namespace without leaving the test
// goroutine inside it.
func newTestNetNS(t *testing.T) netns.NsHandle {
	if os.Geteuid() != 0 {
		t.Skip("needs root")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	origin, err := netns.Get()
	require.NoError(t, err)
	defer origin.Close()
	ns, err := netns.New()
	require.NoError(t, err)
	require.NoError(t, netns.Set(origin))
	t.Cleanup(func() { ns.Close() })
	return ns
}

func newNetNSBackend(t *testing.T, ns netns.NsHandle, typ constant.BackendType) *Backend {
	client := nfnl.NewClient(log.NopLogger{}, option.NetlinkOptions{})
	client.WithNetNS(ns)
	backend, err := newBackend(log.NopLogger{}, typ, client, option.Option{})
	require.NoError(t, err)
	return backend
}

func TestIntegrationIPSet(t *testing.T) {
	ns := newTestNetNS(t)
	b := newNetNSBackend(t, ns, constant.BackendIPSet)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.ipset.Protocol(ctx); err != nil {
		t.Skipf("ipset unavailable: %s", err)
	}
	handle, err := netlink.NewHandleAt(ns)
	require.NoError(t, err)
	defer handle.Close()

	set := adapter.SetRef{Name: "nlset-itest"}
	require.NoError(t, b.Create(ctx, set, adapter.CreateOptions{Network: true, Timeout: time.Minute}))
	err = b.Create(ctx, set, adapter.CreateOptions{Network: true})
	assert.ErrorIs(t, err, adapter.ErrAlreadyExists)

	require.NoError(t, b.Add(ctx, set, adapter.NewPrefixEntry(netip.MustParsePrefix("10.0.0.0/24"), 0)))
	require.NoError(t, b.Add(ctx, set, adapter.NewEntryWithTimeout(netip.MustParseAddr("10.1.0.1"), 30*time.Second)))
	err = b.Add(ctx, set, adapter.NewEntry(netip.MustParseAddr("2001:db8::1")))
	assert.ErrorIs(t, err, adapter.ErrFamilyMismatch)

	result, err := handle.IpsetList(set.Name)
	require.NoError(t, err)
	assert.Equal(t, "hash:net", result.TypeName)
	assert.Len(t, result.Entries, 2)

	entries, err := b.List(ctx, set)
	require.NoError(t, err)
	var listed []string
	for _, entry := range entries {
		listed = append(listed, entry.String())
		assert.True(t, entry.HasTimeout(), entry.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.0/24", "10.1.0.1"}, listed)

	found, err := b.Test(ctx, set, adapter.NewEntry(netip.MustParseAddr("10.1.0.1")))
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, b.Del(ctx, set, adapter.NewEntry(netip.MustParseAddr("10.1.0.1"))))
	require.NoError(t, b.Del(ctx, set, adapter.NewEntry(netip.MustParseAddr("10.1.0.1"))))
	found, err = b.Test(ctx, set, adapter.NewEntry(netip.MustParseAddr("10.1.0.1")))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Flush(ctx, set))
	result, err = handle.IpsetList(set.Name)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)

	err = b.Swap(ctx, set, adapter.SetRef{Name: "nlset-missing"})
	assert.ErrorIs(t, err, adapter.ErrNotFound)

	require.NoError(t, b.Destroy(ctx, set))
	_, err = handle.IpsetList(set.Name)
	assert.Error(t, err)
	err = b.Destroy(ctx, set)
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestIntegrationNFTables(t *testing.T) {
	ns := newTestNetNS(t)
	b := newNetNSBackend(t, ns, constant.BackendNFTables)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.CreateTable(ctx, "inet", "nlset"); err != nil {
		t.Skipf("nf_tables unavailable: %s", err)
	}
	observer, err := nftables.New(nftables.WithNetNSFd(int(ns)))
	require.NoError(t, err)

	tables, err := observer.ListTablesOfFamily(nftables.TableFamilyINet)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "nlset", tables[0].Name)
	names, err := b.ListTables(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"nlset"}, names)

	set := adapter.SetRef{Family: "inet", Table: "nlset", Name: "blocked"}
	require.NoError(t, b.Create(ctx, set, adapter.CreateOptions{Family: adapter.Inet, Network: true}))
	nftSet, err := observer.GetSetByName(tables[0], "blocked")
	require.NoError(t, err)
	assert.True(t, nftSet.Interval)
	assert.Equal(t, nftables.TypeIPAddr.Name, nftSet.KeyType.Name)

	require.NoError(t, b.Add(ctx, set, adapter.NewPrefixEntry(netip.MustParsePrefix("10.0.0.0/24"), 0)))
	require.NoError(t, b.Add(ctx, set, adapter.NewEntry(netip.MustParseAddr("192.0.2.1"))))
	require.NoError(t, b.Add(ctx, set, adapter.NewEntry(netip.MustParseAddr("192.0.2.2"))))
	elements, err := observer.GetSetElements(nftSet)
	require.NoError(t, err)
	var ends int
	for _, element := range elements {
		if element.IntervalEnd {
			ends++
		}
	}
	assert.NotZero(t, ends)

	entries, err := b.List(ctx, set)
	require.NoError(t, err)
	var listed []string
	for _, entry := range entries {
		listed = append(listed, entry.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.0/24", "192.0.2.1", "192.0.2.2"}, listed)

	found, err := b.Test(ctx, set, adapter.NewEntry(netip.MustParseAddr("10.0.0.77")))
	require.NoError(t, err)
	assert.True(t, found)
	found, err = b.Test(ctx, set, adapter.NewPrefixEntry(netip.MustParsePrefix("10.0.0.0/23"), 0))
	require.NoError(t, err)
	assert.False(t, found)

	err = b.DeleteTable(ctx, "inet", "nlset")
	assert.Error(t, err)
	err = b.Rename(ctx, set, "allowed")
	assert.ErrorIs(t, err, adapter.ErrUnsupported)

	require.NoError(t, b.Flush(ctx, set))
	entries, err = b.List(ctx, set)
	require.NoError(t, err)
	assert.Empty(t, entries)
	elements, err = observer.GetSetElements(nftSet)
	require.NoError(t, err)
	assert.Empty(t, elements)

	require.NoError(t, b.Destroy(ctx, set))
	require.NoError(t, b.DeleteTable(ctx, "inet", "nlset"))
	tables, err = observer.ListTablesOfFamily(nftables.TableFamilyINet)
	require.NoError(t, err)
	assert.Empty(t, tables)
}
