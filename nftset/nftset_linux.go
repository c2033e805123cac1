//go:build linux

package nftset

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/nfnl"

	"github.com/google/nftables"
	"github.com/mdlayher/netlink"
	"go4.org/netipx"
	"golang.org/x/sys/unix"
)

type command struct {
	name   string
	cmd    uint8
	flags  netlink.HeaderFlags
	batch  bool
	policy *nfnl.Policy
}

var (
	tablePolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_TABLE_NAME:  nil,
			unix.NFTA_TABLE_FLAGS: nil,
			unix.NFTA_TABLE_USE:   nil,
		},
	}
	chainPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_CHAIN_TABLE: nil,
			unix.NFTA_CHAIN_NAME:  nil,
		},
	}
	setPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_SET_TABLE:    nil,
			unix.NFTA_SET_NAME:     nil,
			unix.NFTA_SET_FLAGS:    nil,
			unix.NFTA_SET_KEY_TYPE: nil,
			unix.NFTA_SET_KEY_LEN:  nil,
			unix.NFTA_SET_TIMEOUT:  nil,
		},
	}
	keyPolicy = &nfnl.Policy{
		Strict: true,
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_DATA_VALUE: nil,
		},
	}
	elemPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_SET_ELEM_KEY:        keyPolicy,
			unix.NFTA_SET_ELEM_FLAGS:      nil,
			unix.NFTA_SET_ELEM_TIMEOUT:    nil,
			unix.NFTA_SET_ELEM_EXPIRATION: nil,
		},
	}
	elemListPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			unix.NFTA_SET_ELEM_LIST_TABLE: nil,
			unix.NFTA_SET_ELEM_LIST_SET:   nil,
			unix.NFTA_SET_ELEM_LIST_ELEMENTS: {
				Types: map[uint16]*nfnl.Policy{
					unix.NFTA_LIST_ELEM: elemPolicy,
				},
			},
		},
	}
)

// Mutations travel in a batch, nf_tables rejects them otherwise. Adding
// elements goes without NLM_F_EXCL so repeating an add is harmless.
var (
	cmdNewTable   = command{"create table", unix.NFT_MSG_NEWTABLE, netlink.Acknowledge | netlink.Create | netlink.Excl, true, nil}
	cmdDelTable   = command{"delete table", unix.NFT_MSG_DELTABLE, netlink.Acknowledge, true, nil}
	cmdListTables = command{"list tables", unix.NFT_MSG_GETTABLE, netlink.Dump, false, tablePolicy}
	cmdListChains = command{"list chains", unix.NFT_MSG_GETCHAIN, netlink.Dump, false, chainPolicy}
	cmdNewSet     = command{"create set", unix.NFT_MSG_NEWSET, netlink.Acknowledge | netlink.Create | netlink.Excl, true, nil}
	cmdDelSet     = command{"delete set", unix.NFT_MSG_DELSET, netlink.Acknowledge, true, nil}
	cmdGetSet     = command{"get set", unix.NFT_MSG_GETSET, 0, false, setPolicy}
	cmdListSets   = command{"list sets", unix.NFT_MSG_GETSET, netlink.Dump, false, setPolicy}
	cmdAdd        = command{"add", unix.NFT_MSG_NEWSETELEM, netlink.Acknowledge | netlink.Create, true, nil}
	cmdDel        = command{"del", unix.NFT_MSG_DELSETELEM, netlink.Acknowledge, true, nil}
	cmdTest       = command{"test", unix.NFT_MSG_GETSETELEM, 0, false, elemListPolicy}
	cmdList       = command{"list", unix.NFT_MSG_GETSETELEM, netlink.Dump, false, elemListPolicy}
	cmdFlush      = command{"flush", unix.NFT_MSG_DELSETELEM, netlink.Acknowledge, true, nil}
)

const (
	// flushChunk bounds the elements deleted by one flush message.
	flushChunk = 1024
	// flushRounds bounds the dump and delete rounds of one flush.
	flushRounds = 3
)

var setID atomic.Uint32

func (f Family) TableFamily() nftables.TableFamily {
	return nftables.TableFamily(f)
}

func (t SetType) datatype() nftables.SetDatatype {
	if t == IPv6Addr {
		return nftables.TypeIP6Addr
	}
	return nftables.TypeIPAddr
}

func (n *NFTables) exchange(ctx context.Context, c command, op string, family Family, attrs ...nfnl.Attr) ([]nfnl.Message, error) {
	return n.client.Exchange(ctx, &nfnl.Request{
		Op:    op,
		Batch: c.batch,
		Message: nfnl.Message{
			Subsystem: nfnl.SubsysNFTables,
			Command:   c.cmd,
			Flags:     c.flags,
			Family:    uint8(family.TableFamily()),
			Version:   unix.NFNETLINK_V0,
			Attrs:     attrs,
		},
		Policy: c.policy,
	})
}

func opName(c command, family Family, table string, set string) string {
	switch {
	case table == "":
		return fmt.Sprintf("nftables %s %s", c.name, family)
	case set == "":
		return fmt.Sprintf("nftables %s %s %s", c.name, family, table)
	default:
		return fmt.Sprintf("nftables %s %s %s.%s", c.name, family, table, set)
	}
}

func checkFamily(op string, family Family) error {
	switch family {
	case FamilyINet, FamilyIPv4, FamilyIPv6:
		return nil
	default:
		return adapter.NewError(adapter.KindUnsupported, op, "unsupported table family %s", family)
	}
}

func milliseconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + time.Millisecond - 1) / time.Millisecond)
}

func (n *NFTables) CreateTable(ctx context.Context, family Family, table string) error {
	op := opName(cmdNewTable, family, table, "")
	if err := checkFamily(op, family); err != nil {
		return err
	}
	_, err := n.exchange(ctx, cmdNewTable, op, family,
		nfnl.String(unix.NFTA_TABLE_NAME, table),
		nfnl.Uint32BE(unix.NFTA_TABLE_FLAGS, 0),
	)
	return err
}

// DeleteTable refuses a table that still holds sets or chains, the caller
// deletes them first.
func (n *NFTables) DeleteTable(ctx context.Context, family Family, table string) error {
	op := opName(cmdDelTable, family, table, "")
	if err := checkFamily(op, family); err != nil {
		return err
	}
	sets, err := n.ListSets(ctx, family, table)
	if err != nil {
		return err
	}
	if len(sets) > 0 {
		return adapter.ProtocolError(op, int(unix.EBUSY), fmt.Sprintf("table %s still holds %d sets", table, len(sets)))
	}
	chains, err := n.ListChains(ctx, family, table)
	if err != nil {
		return err
	}
	if len(chains) > 0 {
		return adapter.ProtocolError(op, int(unix.EBUSY), fmt.Sprintf("table %s still holds %d chains", table, len(chains)))
	}
	_, err = n.exchange(ctx, cmdDelTable, op, family, nfnl.String(unix.NFTA_TABLE_NAME, table))
	return err
}

// ListTables lists the tables of family, FamilyUnspec lists every family.
func (n *NFTables) ListTables(ctx context.Context, family Family) ([]Table, error) {
	op := opName(cmdListTables, family, "", "")
	msgs, err := n.exchange(ctx, cmdListTables, op, family)
	if err != nil {
		return nil, err
	}
	var tables []Table
	for _, msg := range msgs {
		if family != FamilyUnspec && Family(msg.Family) != family {
			continue
		}
		name, ok := msg.Attrs.String(unix.NFTA_TABLE_NAME)
		if !ok {
			return nil, adapter.NewError(adapter.KindMalformed, op, "table without name")
		}
		use, _ := msg.Attrs.Uint32BE(unix.NFTA_TABLE_USE)
		tables = append(tables, Table{
			Name:   name,
			Family: Family(msg.Family),
			Use:    use,
		})
	}
	return tables, nil
}

// ListChains returns the chain names of table. Older kernels dump the chains
// of every table, the replies are filtered here.
func (n *NFTables) ListChains(ctx context.Context, family Family, table string) ([]string, error) {
	op := opName(cmdListChains, family, table, "")
	if err := checkFamily(op, family); err != nil {
		return nil, err
	}
	msgs, err := n.exchange(ctx, cmdListChains, op, family, nfnl.String(unix.NFTA_CHAIN_TABLE, table))
	if err != nil {
		return nil, err
	}
	var chains []string
	for _, msg := range msgs {
		if Family(msg.Family) != family {
			continue
		}
		if owner, _ := msg.Attrs.String(unix.NFTA_CHAIN_TABLE); owner != table {
			continue
		}
		name, ok := msg.Attrs.String(unix.NFTA_CHAIN_NAME)
		if !ok {
			return nil, adapter.NewError(adapter.KindMalformed, op, "chain without name")
		}
		chains = append(chains, name)
	}
	return chains, nil
}

func (n *NFTables) CreateSet(ctx context.Context, family Family, table string, name string, options CreateOptions) error {
	op := opName(cmdNewSet, family, table, name)
	if err := checkFamily(op, family); err != nil {
		return err
	}
	if options.Type == 0 {
		options.Type = IPv4Addr
	}
	if options.Type.KeyLen() == 0 {
		return adapter.NewError(adapter.KindUnsupported, op, "unsupported set type %s", options.Type)
	}
	var flags uint32
	if options.Timeout > 0 {
		flags |= unix.NFT_SET_TIMEOUT
	}
	if options.Interval {
		flags |= unix.NFT_SET_INTERVAL
	}
	attrs := nfnl.Attrs{
		nfnl.String(unix.NFTA_SET_TABLE, table),
		nfnl.String(unix.NFTA_SET_NAME, name),
		nfnl.Uint32BE(unix.NFTA_SET_FLAGS, flags),
		nfnl.Uint32BE(unix.NFTA_SET_KEY_TYPE, options.Type.keyType()),
		nfnl.Uint32BE(unix.NFTA_SET_KEY_LEN, options.Type.datatype().Bytes),
		nfnl.Uint32BE(unix.NFTA_SET_ID, setID.Add(1)),
	}
	if options.Timeout > 0 {
		attrs = append(attrs, nfnl.Uint64BE(unix.NFTA_SET_TIMEOUT, milliseconds(options.Timeout)))
	}
	_, err := n.exchange(ctx, cmdNewSet, op, family, attrs...)
	return err
}

func (n *NFTables) DeleteSet(ctx context.Context, family Family, table string, name string) error {
	op := opName(cmdDelSet, family, table, name)
	if err := checkFamily(op, family); err != nil {
		return err
	}
	_, err := n.exchange(ctx, cmdDelSet, op, family,
		nfnl.String(unix.NFTA_SET_TABLE, table),
		nfnl.String(unix.NFTA_SET_NAME, name),
	)
	return err
}

func (n *NFTables) GetSet(ctx context.Context, family Family, table string, name string) (SetInfo, error) {
	op := opName(cmdGetSet, family, table, name)
	if err := checkFamily(op, family); err != nil {
		return SetInfo{}, err
	}
	msgs, err := n.exchange(ctx, cmdGetSet, op, family,
		nfnl.String(unix.NFTA_SET_TABLE, table),
		nfnl.String(unix.NFTA_SET_NAME, name),
	)
	if err != nil {
		return SetInfo{}, err
	}
	if len(msgs) == 0 {
		return SetInfo{}, adapter.NewError(adapter.KindMalformed, op, "empty reply")
	}
	return decodeSet(op, msgs[0])
}

func (n *NFTables) ListSets(ctx context.Context, family Family, table string) ([]SetInfo, error) {
	op := opName(cmdListSets, family, table, "")
	if err := checkFamily(op, family); err != nil {
		return nil, err
	}
	msgs, err := n.exchange(ctx, cmdListSets, op, family, nfnl.String(unix.NFTA_SET_TABLE, table))
	if err != nil {
		return nil, err
	}
	sets := make([]SetInfo, 0, len(msgs))
	for _, msg := range msgs {
		info, err := decodeSet(op, msg)
		if err != nil {
			return nil, err
		}
		if info.Table != "" && info.Table != table {
			continue
		}
		sets = append(sets, info)
	}
	return sets, nil
}

func decodeSet(op string, msg nfnl.Message) (SetInfo, error) {
	info := SetInfo{Family: Family(msg.Family)}
	var ok bool
	if info.Name, ok = msg.Attrs.String(unix.NFTA_SET_NAME); !ok {
		return SetInfo{}, adapter.NewError(adapter.KindMalformed, op, "set without name")
	}
	info.Table, _ = msg.Attrs.String(unix.NFTA_SET_TABLE)
	flags, _ := msg.Attrs.Uint32BE(unix.NFTA_SET_FLAGS)
	info.Timeouts = flags&unix.NFT_SET_TIMEOUT != 0
	info.Interval = flags&unix.NFT_SET_INTERVAL != 0
	keyType, _ := msg.Attrs.Uint32BE(unix.NFTA_SET_KEY_TYPE)
	keyLen, ok := msg.Attrs.Uint32BE(unix.NFTA_SET_KEY_LEN)
	if !ok {
		return SetInfo{}, adapter.NewError(adapter.KindMalformed, op, "set %s without key length", info.Name)
	}
	info.Type, _ = setTypeOf(keyType, keyLen)
	if ms, found := msg.Attrs.Uint64BE(unix.NFTA_SET_TIMEOUT); found {
		info.Timeout = time.Duration(ms) * time.Millisecond
	}
	return info, nil
}

// lookupSet fetches the set and refuses entries it cannot hold before
// anything is sent that could change it.
func (n *NFTables) lookupSet(ctx context.Context, op string, family Family, table string, name string, entry adapter.IPEntry) (SetInfo, error) {
	if !entry.IsValid() {
		return SetInfo{}, adapter.NewError(adapter.KindMalformed, op, "invalid entry")
	}
	info, err := n.GetSet(ctx, family, table, name)
	if err != nil {
		return SetInfo{}, err
	}
	if info.Type == 0 {
		return SetInfo{}, adapter.NewError(adapter.KindUnsupported, op, "set %s.%s has no address key", table, name)
	}
	if info.Type.Family() != entry.Family() {
		return SetInfo{}, adapter.NewError(adapter.KindFamilyMismatch, op, "set %s.%s holds %s, entry %s is %s", table, name, info.Type, entry, entry.Family())
	}
	if !entry.IsHost() && !info.Interval {
		return SetInfo{}, adapter.NewError(adapter.KindUnsupported, op, "prefix %s needs an interval set", entry)
	}
	return info, nil
}

func keyAttr(addr netip.Addr) nfnl.Attr {
	return nfnl.NestedAttr(unix.NFTA_SET_ELEM_KEY, nfnl.Address(unix.NFTA_DATA_VALUE, addr))
}

func elementList(table string, name string, elems nfnl.Attrs) []nfnl.Attr {
	return []nfnl.Attr{
		nfnl.String(unix.NFTA_SET_ELEM_LIST_TABLE, table),
		nfnl.String(unix.NFTA_SET_ELEM_LIST_SET, name),
		nfnl.NestedAttr(unix.NFTA_SET_ELEM_LIST_ELEMENTS, elems...),
	}
}

// span is one stored range. end tells whether the set holds an end key for
// it, a range reaching the top of the address space has none.
type span struct {
	r       netipx.IPRange
	timeout time.Duration
	end     bool
}

func spanOf(entry adapter.IPEntry) span {
	r := netipx.RangeOfPrefix(entry.Prefix())
	return span{r: r, timeout: entry.Timeout(), end: r.To().Next().IsValid()}
}

// elements encodes s. In an interval set it is the start key followed by the
// first address past the range flagged NFT_SET_ELEM_INTERVAL_END.
func (s span) elements(interval bool) nfnl.Attrs {
	start := nfnl.Attrs{keyAttr(s.r.From())}
	if s.timeout > 0 {
		start = append(start, nfnl.Uint64BE(unix.NFTA_SET_ELEM_TIMEOUT, milliseconds(s.timeout)))
	}
	elems := nfnl.Attrs{nfnl.NestedAttr(unix.NFTA_LIST_ELEM, start...)}
	if interval && s.end {
		elems = append(elems, nfnl.NestedAttr(unix.NFTA_LIST_ELEM,
			keyAttr(s.r.To().Next()),
			nfnl.Uint32BE(unix.NFTA_SET_ELEM_FLAGS, unix.NFT_SET_ELEM_INTERVAL_END),
		))
	}
	return elems
}

func elements(entry adapter.IPEntry, interval bool) nfnl.Attrs {
	return spanOf(entry).elements(interval)
}

func (n *NFTables) Add(ctx context.Context, family Family, table string, name string, entry adapter.IPEntry) error {
	op := opName(cmdAdd, family, table, name)
	info, err := n.lookupSet(ctx, op, family, table, name, entry)
	if err != nil {
		return err
	}
	if entry.HasTimeout() && !info.Timeouts {
		return adapter.NewError(adapter.KindUnsupported, op, "set %s.%s has no timeout support", table, name)
	}
	_, err = n.exchange(ctx, cmdAdd, op, family, elementList(table, name, elements(entry, info.Interval))...)
	return err
}

// Del of an element that is not in the set succeeds, the set itself was
// found by the lookup.
func (n *NFTables) Del(ctx context.Context, family Family, table string, name string, entry adapter.IPEntry) error {
	op := opName(cmdDel, family, table, name)
	info, err := n.lookupSet(ctx, op, family, table, name, entry)
	if err != nil {
		return err
	}
	_, err = n.exchange(ctx, cmdDel, op, family, elementList(table, name, elements(entry.WithTimeout(0), info.Interval))...)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	return err
}

// Test asks the kernel for the element holding the entry's address. An
// interval set answers with the range covering it. A prefix is found only
// when the stored ranges cover all of it.
func (n *NFTables) Test(ctx context.Context, family Family, table string, name string, entry adapter.IPEntry) (bool, error) {
	op := opName(cmdTest, family, table, name)
	info, err := n.lookupSet(ctx, op, family, table, name, entry)
	if err != nil {
		return false, err
	}
	if !entry.IsHost() {
		return n.covers(ctx, op, family, table, name, netipx.RangeOfPrefix(entry.Prefix()))
	}
	msgs, err := n.exchange(ctx, cmdTest, op, family, elementList(table, name, nfnl.Attrs{
		nfnl.NestedAttr(unix.NFTA_LIST_ELEM, keyAttr(entry.Addr())),
	})...)
	if errors.Is(err, adapter.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	elems, err := decodeElements(op, msgs)
	if err != nil {
		return false, err
	}
	for _, e := range elems {
		if e.end {
			continue
		}
		if info.Interval || e.addr == entry.Addr() {
			return true, nil
		}
	}
	return false, nil
}

func (n *NFTables) List(ctx context.Context, family Family, table string, name string) ([]adapter.IPEntry, error) {
	op := opName(cmdList, family, table, name)
	info, err := n.GetSet(ctx, family, table, name)
	if err != nil {
		return nil, err
	}
	elems, err := n.listElements(ctx, op, family, table, name)
	if err != nil {
		return nil, err
	}
	if info.Interval {
		return intervalEntries(elems), nil
	}
	entries := make([]adapter.IPEntry, 0, len(elems))
	for _, e := range elems {
		if e.end {
			continue
		}
		entries = append(entries, adapter.NewEntryWithTimeout(e.addr, e.remaining()))
	}
	return entries, nil
}

// covers reports whether the ranges stored in an interval set hold all of r.
func (n *NFTables) covers(ctx context.Context, op string, family Family, table string, name string, r netipx.IPRange) (bool, error) {
	elems, err := n.listElements(ctx, op, family, table, name)
	if err != nil {
		return false, err
	}
	var builder netipx.IPSetBuilder
	for _, s := range intervalSpans(elems) {
		builder.AddRange(s.r)
	}
	stored, err := builder.IPSet()
	if err != nil {
		return false, adapter.WrapError(adapter.KindMalformed, op, err)
	}
	return stored.ContainsRange(r), nil
}

// Flush deletes the elements found by a dump and dumps again until the set
// is empty. It is not atomic, a reader may see a partly flushed set.
func (n *NFTables) Flush(ctx context.Context, family Family, table string, name string) error {
	op := opName(cmdFlush, family, table, name)
	info, err := n.GetSet(ctx, family, table, name)
	if err != nil {
		return err
	}
	for round := 0; ; round++ {
		spans, err := n.listSpans(ctx, op, family, table, name, info.Interval)
		if err != nil {
			return err
		}
		if len(spans) == 0 {
			return nil
		}
		if round == flushRounds {
			return adapter.NewError(adapter.KindProtocol, op, "%d elements left after %d rounds", len(spans), round)
		}
		err = n.deleteSpans(ctx, op, family, table, name, spans, info.Interval)
		if err != nil {
			return err
		}
	}
}

// deleteSpans sends at most flushChunk elements per message. nf_tables
// refuses the whole message when one element is gone, such a chunk is
// deleted again one span at a time.
func (n *NFTables) deleteSpans(ctx context.Context, op string, family Family, table string, name string, spans []span, interval bool) error {
	for len(spans) > 0 {
		var (
			attrs nfnl.Attrs
			count int
		)
		for ; count < len(spans); count++ {
			elems := spans[count].elements(interval)
			if len(attrs) > 0 && len(attrs)+len(elems) > flushChunk {
				break
			}
			attrs = append(attrs, elems...)
		}
		chunk := spans[:count]
		spans = spans[count:]
		_, err := n.exchange(ctx, cmdFlush, op, family, elementList(table, name, attrs)...)
		if err == nil {
			continue
		}
		if !errors.Is(err, adapter.ErrNotFound) {
			return err
		}
		for _, s := range chunk {
			_, err = n.exchange(ctx, cmdFlush, op, family, elementList(table, name, s.elements(interval))...)
			if err != nil && !errors.Is(err, adapter.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// listSpans dumps the set as deletable ranges without their timeouts.
func (n *NFTables) listSpans(ctx context.Context, op string, family Family, table string, name string, interval bool) ([]span, error) {
	elems, err := n.listElements(ctx, op, family, table, name)
	if err != nil {
		return nil, err
	}
	if interval {
		spans := intervalSpans(elems)
		for i := range spans {
			spans[i].timeout = 0
		}
		return spans, nil
	}
	spans := make([]span, 0, len(elems))
	for _, e := range elems {
		if e.end {
			continue
		}
		spans = append(spans, span{r: netipx.IPRangeFrom(e.addr, e.addr)})
	}
	return spans, nil
}

func (n *NFTables) Rename(_ context.Context, family Family, table string, from string, _ string) error {
	return adapter.UnsupportedError(fmt.Sprintf("nftables rename %s %s.%s", family, table, from), backendName)
}

func (n *NFTables) Swap(_ context.Context, family Family, table string, a string, _ string) error {
	return adapter.UnsupportedError(fmt.Sprintf("nftables swap %s %s.%s", family, table, a), backendName)
}

type element struct {
	addr    netip.Addr
	end     bool
	timeout time.Duration
	expires time.Duration
}

// remaining prefers the time left over the configured timeout.
func (e element) remaining() time.Duration {
	if e.expires > 0 {
		return e.expires
	}
	return e.timeout
}

func (n *NFTables) listElements(ctx context.Context, op string, family Family, table string, name string) ([]element, error) {
	msgs, err := n.exchange(ctx, cmdList, op, family,
		nfnl.String(unix.NFTA_SET_ELEM_LIST_TABLE, table),
		nfnl.String(unix.NFTA_SET_ELEM_LIST_SET, name),
	)
	if err != nil {
		return nil, err
	}
	return decodeElements(op, msgs)
}

func decodeElements(op string, msgs []nfnl.Message) ([]element, error) {
	var elems []element
	for _, msg := range msgs {
		list, ok := msg.Attrs.Nested(unix.NFTA_SET_ELEM_LIST_ELEMENTS)
		if !ok {
			continue
		}
		for _, le := range list.All(unix.NFTA_LIST_ELEM) {
			key, ok := le.Children.Nested(unix.NFTA_SET_ELEM_KEY)
			if !ok {
				return nil, adapter.NewError(adapter.KindMalformed, op, "element without key")
			}
			value, ok := key.Get(unix.NFTA_DATA_VALUE)
			if !ok {
				return nil, adapter.NewError(adapter.KindMalformed, op, "element key without value")
			}
			var e element
			if e.addr, ok = value.AsAddr(); !ok {
				return nil, adapter.NewError(adapter.KindMalformed, op, "invalid element key of %d bytes", len(value.Data))
			}
			flags, _ := le.Children.Uint32BE(unix.NFTA_SET_ELEM_FLAGS)
			e.end = flags&unix.NFT_SET_ELEM_INTERVAL_END != 0
			if ms, found := le.Children.Uint64BE(unix.NFTA_SET_ELEM_TIMEOUT); found {
				e.timeout = time.Duration(ms) * time.Millisecond
			}
			if ms, found := le.Children.Uint64BE(unix.NFTA_SET_ELEM_EXPIRATION); found {
				e.expires = time.Duration(ms) * time.Millisecond
			}
			elems = append(elems, e)
		}
	}
	return elems, nil
}

// intervalSpans pairs every start key with the next end key. A start
// without an end runs up to the next start or to the top of the address
// space, an end without a start is dropped.
func intervalSpans(elems []element) []span {
	// an end sorts before a start on the same key so adjacent ranges pair up
	sort.SliceStable(elems, func(i, j int) bool {
		if c := elems[i].addr.Compare(elems[j].addr); c != 0 {
			return c < 0
		}
		return elems[i].end && !elems[j].end
	})
	var (
		spans []span
		start *element
	)
	for i := range elems {
		e := &elems[i]
		if !e.end {
			if start != nil && start.addr.BitLen() == e.addr.BitLen() && e.addr.Compare(start.addr) > 0 {
				spans = append(spans, span{r: netipx.IPRangeFrom(start.addr, e.addr.Prev()), timeout: start.remaining()})
			}
			start = e
			continue
		}
		if start == nil || e.addr.BitLen() != start.addr.BitLen() {
			continue
		}
		spans = append(spans, span{r: netipx.IPRangeFrom(start.addr, e.addr.Prev()), timeout: start.remaining(), end: true})
		start = nil
	}
	if start != nil {
		last := netipx.RangeOfPrefix(netip.PrefixFrom(start.addr, 0)).To()
		spans = append(spans, span{r: netipx.IPRangeFrom(start.addr, last), timeout: start.remaining()})
	}
	return spans
}

// intervalEntries splits the stored ranges into prefixes.
func intervalEntries(elems []element) []adapter.IPEntry {
	var entries []adapter.IPEntry
	for _, s := range intervalSpans(elems) {
		for _, prefix := range s.r.Prefixes() {
			entries = append(entries, adapter.NewPrefixEntry(prefix, s.timeout))
		}
	}
	return entries
}
