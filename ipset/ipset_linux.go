//go:build linux

package ipset

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/nfnl"

	"github.com/mdlayher/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

type command struct {
	name  string
	cmd   uint8
	flags netlink.HeaderFlags
}

// Add and Del go without NLM_F_EXCL so repeating them is harmless. Destroy
// keeps it, without it the kernel treats a missing set as done. Test needs the
// ack since the kernel answers a hit with a zero code.
var (
	cmdProtocol = command{"protocol", nl.IPSET_CMD_PROTOCOL, 0}
	cmdCreate   = command{"create", nl.IPSET_CMD_CREATE, netlink.Acknowledge | netlink.Create | netlink.Excl}
	cmdDestroy  = command{"destroy", nl.IPSET_CMD_DESTROY, netlink.Acknowledge | netlink.Excl}
	cmdFlush    = command{"flush", nl.IPSET_CMD_FLUSH, netlink.Acknowledge}
	cmdRename   = command{"rename", nl.IPSET_CMD_RENAME, netlink.Acknowledge}
	cmdSwap     = command{"swap", nl.IPSET_CMD_SWAP, netlink.Acknowledge}
	cmdList     = command{"list", nl.IPSET_CMD_LIST, netlink.Dump}
	cmdAdd      = command{"add", nl.IPSET_CMD_ADD, netlink.Acknowledge}
	cmdDel      = command{"del", nl.IPSET_CMD_DEL, netlink.Acknowledge}
	cmdTest     = command{"test", nl.IPSET_CMD_TEST, netlink.Acknowledge}
	cmdHeader   = command{"header", nl.IPSET_CMD_HEADER, 0}
)

var (
	addrPolicy = &nfnl.Policy{
		Strict: true,
		Types: map[uint16]*nfnl.Policy{
			nl.IPSET_ATTR_IPADDR_IPV4: nil,
			nl.IPSET_ATTR_IPADDR_IPV6: nil,
		},
	}
	dataPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			nl.IPSET_ATTR_IP:       addrPolicy,
			nl.IPSET_ATTR_CIDR:     nil,
			nl.IPSET_ATTR_TIMEOUT:  nil,
			nl.IPSET_ATTR_HASHSIZE: nil,
			nl.IPSET_ATTR_MAXELEM:  nil,
		},
	}
	replyPolicy = &nfnl.Policy{
		Types: map[uint16]*nfnl.Policy{
			nl.IPSET_ATTR_PROTOCOL: nil,
			nl.IPSET_ATTR_SETNAME:  nil,
			nl.IPSET_ATTR_TYPENAME: nil,
			nl.IPSET_ATTR_REVISION: nil,
			nl.IPSET_ATTR_FAMILY:   nil,
			nl.IPSET_ATTR_DATA:     dataPolicy,
			nl.IPSET_ATTR_ADT: {
				Types: map[uint16]*nfnl.Policy{
					nl.IPSET_ATTR_DATA: dataPolicy,
				},
			},
		},
	}
)

// classify maps the ipset private codes. IPSET_ERR_EXIST_SETNAME2 names the
// second set: it is taken on rename and missing on swap.
func (c command) classify(code int) (adapter.ErrorKind, string) {
	if code < nl.IPSET_ERR_PRIVATE {
		return adapter.KindUnknown, ""
	}
	text := nl.IPSetError(uintptr(code)).Error()
	switch code {
	case nl.IPSET_ERR_EXIST_SETNAME2:
		if c.cmd == nl.IPSET_CMD_SWAP {
			return adapter.KindNotFound, text
		}
		return adapter.KindAlreadyExists, text
	case nl.IPSET_ERR_EXIST:
		return adapter.KindAlreadyExists, text
	case nl.IPSET_ERR_INVALID_FAMILY, nl.IPSET_ERR_IPADDR_IPV4, nl.IPSET_ERR_IPADDR_IPV6:
		return adapter.KindFamilyMismatch, text
	case nl.IPSET_ERR_FIND_TYPE:
		return adapter.KindUnsupported, text
	default:
		return adapter.KindProtocol, text
	}
}

func nfproto(family adapter.Family) (uint8, error) {
	switch family {
	case adapter.Inet:
		return unix.NFPROTO_IPV4, nil
	case adapter.Inet6:
		return unix.NFPROTO_IPV6, nil
	default:
		return 0, fmt.Errorf("invalid family: %s", family)
	}
}

func familyOf(nfproto uint8) adapter.Family {
	switch nfproto {
	case unix.NFPROTO_IPV4:
		return adapter.Inet
	case unix.NFPROTO_IPV6:
		return adapter.Inet6
	default:
		return adapter.FamilyUnspec
	}
}

func (s *IPSet) exchange(ctx context.Context, c command, op string, attrs ...nfnl.Attr) ([]nfnl.Message, error) {
	return s.client.Exchange(ctx, &nfnl.Request{
		Op: op,
		Message: nfnl.Message{
			Subsystem: nfnl.SubsysIPSet,
			Command:   c.cmd,
			Flags:     c.flags,
			Family:    unix.AF_INET,
			Version:   unix.NFNETLINK_V0,
			Attrs:     append(nfnl.Attrs{nfnl.Uint8(nl.IPSET_ATTR_PROTOCOL, nl.IPSET_PROTOCOL)}, attrs...),
		},
		Policy:   replyPolicy,
		Classify: c.classify,
	})
}

func opName(c command, name string) string {
	if name == "" {
		return "ipset " + c.name
	}
	return fmt.Sprintf("ipset %s %s", c.name, name)
}

func setName(name string) nfnl.Attr {
	return nfnl.String(nl.IPSET_ATTR_SETNAME, name)
}

func (s *IPSet) Protocol(ctx context.Context) (uint8, error) {
	op := opName(cmdProtocol, "")
	msgs, err := s.exchange(ctx, cmdProtocol, op)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, adapter.NewError(adapter.KindMalformed, op, "empty reply")
	}
	protocol, ok := msgs[0].Attrs.Uint8(nl.IPSET_ATTR_PROTOCOL)
	if !ok {
		return 0, adapter.NewError(adapter.KindMalformed, op, "reply without protocol")
	}
	return protocol, nil
}

func (s *IPSet) Create(ctx context.Context, name string, options CreateOptions) error {
	op := opName(cmdCreate, name)
	if options.Type == "" {
		options.Type = HashIP
	}
	if _, err := ParseSetType(string(options.Type)); err != nil {
		return adapter.WrapError(adapter.KindUnsupported, op, err)
	}
	family, err := nfproto(options.Family)
	if err != nil {
		return adapter.WrapError(adapter.KindFamilyMismatch, op, err)
	}
	revision := options.Revision
	if revision == 0 {
		revision = s.revision(options.Type)
	}
	hashSize := options.HashSize
	if hashSize == 0 {
		hashSize = s.options.HashSize
	}
	maxElem := options.MaxElem
	if maxElem == 0 {
		maxElem = s.options.MaxElem
	}
	data := nfnl.Attrs{
		nfnl.Uint32BE(nl.IPSET_ATTR_HASHSIZE, hashSize).NetOrder(),
		nfnl.Uint32BE(nl.IPSET_ATTR_MAXELEM, maxElem).NetOrder(),
	}
	if options.Timeout > 0 {
		data = append(data, nfnl.Uint32BE(nl.IPSET_ATTR_TIMEOUT, timeoutSeconds(options.Timeout)).NetOrder())
	}
	_, err = s.exchange(ctx, cmdCreate, op,
		setName(name),
		nfnl.String(nl.IPSET_ATTR_TYPENAME, string(options.Type)),
		nfnl.Uint8(nl.IPSET_ATTR_REVISION, revision),
		nfnl.Uint8(nl.IPSET_ATTR_FAMILY, family),
		nfnl.NestedAttr(nl.IPSET_ATTR_DATA, data...),
	)
	return err
}

func (s *IPSet) Destroy(ctx context.Context, name string) error {
	_, err := s.exchange(ctx, cmdDestroy, opName(cmdDestroy, name), setName(name))
	return err
}

func (s *IPSet) Flush(ctx context.Context, name string) error {
	_, err := s.exchange(ctx, cmdFlush, opName(cmdFlush, name), setName(name))
	return err
}

func (s *IPSet) Rename(ctx context.Context, from string, to string) error {
	_, err := s.exchange(ctx, cmdRename, opName(cmdRename, from),
		setName(from),
		nfnl.String(nl.IPSET_ATTR_SETNAME2, to),
	)
	return err
}

func (s *IPSet) Swap(ctx context.Context, a string, b string) error {
	_, err := s.exchange(ctx, cmdSwap, opName(cmdSwap, a),
		setName(a),
		nfnl.String(nl.IPSET_ATTR_SETNAME2, b),
	)
	return err
}

func (s *IPSet) Header(ctx context.Context, name string) (Header, error) {
	op := opName(cmdHeader, name)
	msgs, err := s.exchange(ctx, cmdHeader, op, setName(name))
	if err != nil {
		return Header{}, err
	}
	if len(msgs) == 0 {
		return Header{}, adapter.NewError(adapter.KindMalformed, op, "empty reply")
	}
	return decodeHeader(op, msgs[0].Attrs)
}

func decodeHeader(op string, attrs nfnl.Attrs) (Header, error) {
	var header Header
	var ok bool
	if header.Name, ok = attrs.String(nl.IPSET_ATTR_SETNAME); !ok {
		return Header{}, adapter.NewError(adapter.KindMalformed, op, "header without set name")
	}
	if header.TypeName, ok = attrs.String(nl.IPSET_ATTR_TYPENAME); !ok {
		return Header{}, adapter.NewError(adapter.KindMalformed, op, "header without type name")
	}
	header.Revision, _ = attrs.Uint8(nl.IPSET_ATTR_REVISION)
	family, ok := attrs.Uint8(nl.IPSET_ATTR_FAMILY)
	if !ok {
		return Header{}, adapter.NewError(adapter.KindMalformed, op, "header without family")
	}
	header.Family = familyOf(family)
	return header, nil
}

// checkEntry looks the set up and refuses entries of the other family
// before anything is sent that could change the set.
func (s *IPSet) checkEntry(ctx context.Context, op string, name string, entry adapter.IPEntry) error {
	if !entry.IsValid() {
		return adapter.NewError(adapter.KindMalformed, op, "invalid entry")
	}
	header, err := s.Header(ctx, name)
	if err != nil {
		return err
	}
	if header.Family != entry.Family() {
		return adapter.NewError(adapter.KindFamilyMismatch, op, "set %s is %s, entry %s is %s", name, header.Family, entry, entry.Family())
	}
	return nil
}

func entryData(entry adapter.IPEntry) nfnl.Attr {
	addrType := uint16(nl.IPSET_ATTR_IPADDR_IPV4)
	if entry.Family() == adapter.Inet6 {
		addrType = nl.IPSET_ATTR_IPADDR_IPV6
	}
	data := nfnl.Attrs{
		nfnl.NestedAttr(nl.IPSET_ATTR_IP, nfnl.Address(addrType, entry.Addr()).NetOrder()),
	}
	if !entry.IsHost() {
		data = append(data, nfnl.Uint8(nl.IPSET_ATTR_CIDR, uint8(entry.Prefix().Bits())))
	}
	if entry.HasTimeout() {
		data = append(data, nfnl.Uint32BE(nl.IPSET_ATTR_TIMEOUT, timeoutSeconds(entry.Timeout())).NetOrder())
	}
	return nfnl.NestedAttr(nl.IPSET_ATTR_DATA, data...)
}

func (s *IPSet) Add(ctx context.Context, name string, entry adapter.IPEntry) error {
	op := opName(cmdAdd, name)
	if err := s.checkEntry(ctx, op, name, entry); err != nil {
		return err
	}
	_, err := s.exchange(ctx, cmdAdd, op, setName(name), entryData(entry))
	return err
}

func (s *IPSet) Del(ctx context.Context, name string, entry adapter.IPEntry) error {
	op := opName(cmdDel, name)
	if err := s.checkEntry(ctx, op, name, entry); err != nil {
		return err
	}
	_, err := s.exchange(ctx, cmdDel, op, setName(name), entryData(entry.WithTimeout(0)))
	return err
}

func (s *IPSet) Test(ctx context.Context, name string, entry adapter.IPEntry) (bool, error) {
	op := opName(cmdTest, name)
	if err := s.checkEntry(ctx, op, name, entry); err != nil {
		return false, err
	}
	_, err := s.exchange(ctx, cmdTest, op, setName(name), entryData(entry.WithTimeout(0)))
	if err != nil {
		var e *adapter.Error
		if errors.As(err, &e) && e.Code == nl.IPSET_ERR_EXIST {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *IPSet) List(ctx context.Context, name string) ([]adapter.IPEntry, error) {
	op := opName(cmdList, name)
	msgs, err := s.exchange(ctx, cmdList, op, setName(name))
	if err != nil {
		return nil, err
	}
	var entries []adapter.IPEntry
	for _, msg := range msgs {
		adt, ok := msg.Attrs.Nested(nl.IPSET_ATTR_ADT)
		if !ok {
			continue
		}
		for _, data := range adt.All(nl.IPSET_ATTR_DATA) {
			entry, err := decodeEntry(op, data.Children)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func decodeEntry(op string, data nfnl.Attrs) (adapter.IPEntry, error) {
	ip, ok := data.Nested(nl.IPSET_ATTR_IP)
	if !ok {
		return adapter.IPEntry{}, adapter.NewError(adapter.KindMalformed, op, "entry without address")
	}
	var addr netip.Addr
	if a, found := ip.Get(nl.IPSET_ATTR_IPADDR_IPV4); found {
		addr, ok = a.AsAddr()
		ok = ok && addr.Is4()
	} else if a, found := ip.Get(nl.IPSET_ATTR_IPADDR_IPV6); found {
		addr, ok = a.AsAddr()
		ok = ok && addr.Is6()
	} else {
		ok = false
	}
	if !ok {
		return adapter.IPEntry{}, adapter.NewError(adapter.KindMalformed, op, "invalid entry address")
	}
	bits := addr.BitLen()
	if cidr, found := data.Uint8(nl.IPSET_ATTR_CIDR); found {
		if int(cidr) > bits {
			return adapter.IPEntry{}, adapter.NewError(adapter.KindMalformed, op, "invalid cidr %d for %s", cidr, addr)
		}
		bits = int(cidr)
	}
	var timeout time.Duration
	if seconds, found := data.Uint32BE(nl.IPSET_ATTR_TIMEOUT); found {
		timeout = time.Duration(seconds) * time.Second
	}
	return adapter.NewPrefixEntry(netip.PrefixFrom(addr, bits), timeout), nil
}
