package nfnl

import (
	"math"
	"net/netip"

	"github.com/yaotthaha/nlset/adapter"

	"github.com/google/nftables/binaryutil"
	"github.com/mdlayher/netlink/nlenc"
)

const (
	attrNested       uint16 = 0x8000 // NLA_F_NESTED
	attrNetByteOrder uint16 = 0x4000 // NLA_F_NET_BYTEORDER
	attrTypeMask            = ^(attrNested | attrNetByteOrder)

	attrHeaderLen = 4
	attrMaxDepth  = 16
)

type Attr struct {
	Type         uint16
	Nested       bool
	NetByteOrder bool
	Data         []byte
	Children     Attrs
}

type Attrs []Attr

func align(n int) int {
	return (n + 3) &^ 3
}

func Bytes(typ uint16, b []byte) Attr {
	return Attr{Type: typ, Data: b}
}

func String(typ uint16, s string) Attr {
	return Attr{Type: typ, Data: nlenc.Bytes(s)}
}

func Uint8(typ uint16, v uint8) Attr {
	return Attr{Type: typ, Data: []byte{v}}
}

func Uint16BE(typ uint16, v uint16) Attr {
	b := make([]byte, 2)
	b[0] = byte(v >> 8)
	b[1] = byte(v)
	return Attr{Type: typ, Data: b}
}

func Uint32BE(typ uint16, v uint32) Attr {
	return Attr{Type: typ, Data: binaryutil.BigEndian.PutUint32(v)}
}

func Uint64BE(typ uint16, v uint64) Attr {
	return Attr{Type: typ, Data: binaryutil.BigEndian.PutUint64(v)}
}

func Address(typ uint16, addr netip.Addr) Attr {
	return Attr{Type: typ, Data: addr.AsSlice()}
}

func NestedAttr(typ uint16, children ...Attr) Attr {
	return Attr{Type: typ, Nested: true, Children: children}
}

// NetOrder marks the attribute with NLA_F_NET_BYTEORDER.
func (a Attr) NetOrder() Attr {
	a.NetByteOrder = true
	return a
}

func (a Attr) typeField() uint16 {
	t := a.Type & attrTypeMask
	if a.Nested {
		t |= attrNested
	}
	if a.NetByteOrder {
		t |= attrNetByteOrder
	}
	return t
}

func (a Attr) AsString() string {
	return nlenc.String(a.Data)
}

func (a Attr) AsUint8() (uint8, bool) {
	if len(a.Data) != 1 {
		return 0, false
	}
	return a.Data[0], true
}

func (a Attr) AsUint16BE() (uint16, bool) {
	if len(a.Data) != 2 {
		return 0, false
	}
	return uint16(a.Data[0])<<8 | uint16(a.Data[1]), true
}

func (a Attr) AsUint32BE() (uint32, bool) {
	if len(a.Data) != 4 {
		return 0, false
	}
	return binaryutil.BigEndian.Uint32(a.Data), true
}

func (a Attr) AsUint64BE() (uint64, bool) {
	if len(a.Data) != 8 {
		return 0, false
	}
	return binaryutil.BigEndian.Uint64(a.Data), true
}

func (a Attr) AsAddr() (netip.Addr, bool) {
	switch len(a.Data) {
	case 4, 16:
		return netip.AddrFromSlice(a.Data)
	default:
		return netip.Addr{}, false
	}
}

func (as Attrs) Get(typ uint16) (Attr, bool) {
	for _, a := range as {
		if a.Type == typ {
			return a, true
		}
	}
	return Attr{}, false
}

func (as Attrs) All(typ uint16) Attrs {
	var out Attrs
	for _, a := range as {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (as Attrs) String(typ uint16) (string, bool) {
	a, ok := as.Get(typ)
	if !ok {
		return "", false
	}
	return a.AsString(), true
}

func (as Attrs) Uint8(typ uint16) (uint8, bool) {
	a, ok := as.Get(typ)
	if !ok {
		return 0, false
	}
	return a.AsUint8()
}

func (as Attrs) Uint32BE(typ uint16) (uint32, bool) {
	a, ok := as.Get(typ)
	if !ok {
		return 0, false
	}
	return a.AsUint32BE()
}

func (as Attrs) Uint64BE(typ uint16) (uint64, bool) {
	a, ok := as.Get(typ)
	if !ok {
		return 0, false
	}
	return a.AsUint64BE()
}

func (as Attrs) Nested(typ uint16) (Attrs, bool) {
	a, ok := as.Get(typ)
	if !ok || !a.Nested {
		return nil, false
	}
	return a.Children, true
}

// Policy names the attribute types understood at one nesting level. A type
// mapped to a non-nil policy is decoded as a nested attribute, a type mapped
// to nil keeps its raw payload. A nil *Policy accepts everything and expands
// attributes carrying NLA_F_NESTED.
type Policy struct {
	Strict bool
	Types  map[uint16]*Policy
}

func (p *Policy) lookup(typ uint16, flagged bool) (sub *Policy, nested bool, known bool) {
	if p == nil {
		return nil, flagged, true
	}
	sub, known = p.Types[typ]
	return sub, sub != nil, known
}

func malformed(format string, a ...any) error {
	return adapter.NewError(adapter.KindMalformed, "attr", format, a...)
}

// MarshalAttrs encodes an attribute tree. Nested attributes are written with
// a placeholder header that is patched once all children are emitted.
func MarshalAttrs(attrs Attrs) ([]byte, error) {
	type frame struct {
		pending Attrs
		start   int
	}
	b := make([]byte, 0, 64)
	stack := []frame{{pending: attrs, start: -1}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.pending) == 0 {
			if top.start >= 0 {
				length := len(b) - top.start
				if length > math.MaxUint16 {
					return nil, malformed("nested attribute too long: %d", length)
				}
				nlenc.PutUint16(b[top.start:top.start+2], uint16(length))
			}
			stack = stack[:len(stack)-1]
			continue
		}
		a := top.pending[0]
		top.pending = top.pending[1:]
		start := len(b)
		b = append(b, 0, 0, 0, 0)
		nlenc.PutUint16(b[start+2:start+4], a.typeField())
		if a.Nested {
			if len(stack) > attrMaxDepth {
				return nil, malformed("attribute nesting too deep")
			}
			stack = append(stack, frame{pending: a.Children, start: start})
			continue
		}
		length := attrHeaderLen + len(a.Data)
		if length > math.MaxUint16 {
			return nil, malformed("attribute %d too long: %d", a.Type, length)
		}
		nlenc.PutUint16(b[start:start+2], uint16(length))
		b = append(b, a.Data...)
		for i := length; i < align(length); i++ {
			b = append(b, 0)
		}
	}
	return b, nil
}

// UnmarshalAttrs decodes a buffer of attributes. Levels are decoded one at a
// time so a child slice is only referenced after its parent level is final.
func UnmarshalAttrs(b []byte, policy *Policy) (Attrs, error) {
	type frame struct {
		buf    []byte
		policy *Policy
		dst    *Attrs
		depth  int
	}
	var root Attrs
	queue := []frame{{buf: b, policy: policy, dst: &root}}
	for len(queue) > 0 {
		f := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if f.depth > attrMaxDepth {
			return nil, malformed("attribute nesting too deep")
		}
		var level Attrs
		var subPolicies []*Policy
		buf := f.buf
		for len(buf) > 0 {
			if len(buf) < attrHeaderLen {
				return nil, malformed("short attribute header: %d bytes", len(buf))
			}
			length := int(nlenc.Uint16(buf[0:2]))
			field := nlenc.Uint16(buf[2:4])
			if length < attrHeaderLen || length > len(buf) {
				return nil, malformed("invalid attribute length %d, %d bytes left", length, len(buf))
			}
			typ := field & attrTypeMask
			sub, nested, known := f.policy.lookup(typ, field&attrNested != 0)
			if !known {
				if f.policy.Strict {
					return nil, malformed("unknown attribute type %d", typ)
				}
			} else {
				level = append(level, Attr{
					Type:         typ,
					Nested:       nested,
					NetByteOrder: field&attrNetByteOrder != 0,
					Data:         buf[attrHeaderLen:length],
				})
				subPolicies = append(subPolicies, sub)
			}
			next := align(length)
			if next > len(buf) {
				next = len(buf)
			}
			buf = buf[next:]
		}
		*f.dst = level
		for i := range level {
			if !level[i].Nested {
				continue
			}
			queue = append(queue, frame{
				buf:    level[i].Data,
				policy: subPolicies[i],
				dst:    &level[i].Children,
				depth:  f.depth + 1,
			})
			level[i].Data = nil
		}
	}
	return root, nil
}
