package nfnl

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/yaotthaha/nlset/adapter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalAttrsPadding(t *testing.T) {
	b, err := MarshalAttrs(Attrs{
		String(2, "s1"),
		Uint8(5, 2),
	})
	require.NoError(t, err)
	want := []byte{
		// len 7, type 2, "s1\x00", one byte pad
		0x07, 0x00, 0x02, 0x00, 's', '1', 0x00, 0x00,
		// len 5, type 5, 0x02, three bytes pad
		0x05, 0x00, 0x05, 0x00, 0x02, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, b)
}

func TestMarshalAttrsFlags(t *testing.T) {
	b, err := MarshalAttrs(Attrs{
		NestedAttr(7,
			Uint32BE(6, 300).NetOrder(),
		),
	})
	require.NoError(t, err)
	want := []byte{
		0x0c, 0x00, 0x07, 0x80,
		0x08, 0x00, 0x06, 0x40, 0x00, 0x00, 0x01, 0x2c,
	}
	assert.Equal(t, want, b)
}

func TestMarshalAttrsEmptyNested(t *testing.T) {
	b, err := MarshalAttrs(Attrs{NestedAttr(3)})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x00, 0x03, 0x80}, b)
}

func TestMarshalAttrsTooLong(t *testing.T) {
	_, err := MarshalAttrs(Attrs{Bytes(1, make([]byte, 70000))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrMalformed))
}

func TestAttrsRoundTripDeep(t *testing.T) {
	v6 := netip.MustParseAddr("2001:db8::1")
	tree := Attrs{
		String(2, "set"),
		NestedAttr(7,
			NestedAttr(1, Address(2, v6).NetOrder()),
			Uint32BE(6, 60).NetOrder(),
			NestedAttr(8,
				NestedAttr(1,
					Uint8(3, 64),
				),
			),
		),
		Uint8(4, 1),
	}
	b, err := MarshalAttrs(tree)
	require.NoError(t, err)

	decoded, err := UnmarshalAttrs(b, nil)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	name, ok := decoded.String(2)
	require.True(t, ok)
	assert.Equal(t, "set", name)

	data, ok := decoded.Nested(7)
	require.True(t, ok)
	ip, ok := data.Nested(1)
	require.True(t, ok)
	addrAttr, ok := ip.Get(2)
	require.True(t, ok)
	assert.True(t, addrAttr.NetByteOrder)
	addr, ok := addrAttr.AsAddr()
	require.True(t, ok)
	assert.Equal(t, v6, addr)

	timeout, ok := data.Uint32BE(6)
	require.True(t, ok)
	assert.Equal(t, uint32(60), timeout)

	inner, ok := data.Nested(8)
	require.True(t, ok)
	leaf, ok := inner.Nested(1)
	require.True(t, ok)
	cidr, ok := leaf.Uint8(3)
	require.True(t, ok)
	assert.Equal(t, uint8(64), cidr)

	rev, ok := decoded.Uint8(4)
	require.True(t, ok)
	assert.Equal(t, uint8(1), rev)
}

func TestUnmarshalAttrsBadLength(t *testing.T) {
	cases := map[string][]byte{
		"short header":  {0x04, 0x00},
		"length below":  {0x03, 0x00, 0x01, 0x00},
		"length beyond": {0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
		"nested beyond": {0x0c, 0x00, 0x07, 0x80, 0x09, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalAttrs(b, nil)
			require.Error(t, err)
			assert.Equal(t, adapter.KindMalformed, adapter.GetKind(err))
		})
	}
}

func TestUnmarshalAttrsPolicy(t *testing.T) {
	b, err := MarshalAttrs(Attrs{
		String(2, "s1"),
		Uint32BE(99, 1),
		NestedAttr(7, Uint32BE(6, 5)),
	})
	require.NoError(t, err)

	lenient := &Policy{Types: map[uint16]*Policy{
		2: nil,
		7: {Types: map[uint16]*Policy{6: nil}},
	}}
	decoded, err := UnmarshalAttrs(b, lenient)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	_, ok := decoded.Get(99)
	assert.False(t, ok)
	data, ok := decoded.Nested(7)
	require.True(t, ok)
	v, ok := data.Uint32BE(6)
	require.True(t, ok)
	assert.Equal(t, uint32(5), v)

	strict := &Policy{Strict: true, Types: lenient.Types}
	_, err = UnmarshalAttrs(b, strict)
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrMalformed))
}

func TestUnmarshalAttrsPolicyNestsWithoutFlag(t *testing.T) {
	// nested payload written without NLA_F_NESTED, as older kernels do
	b := []byte{
		0x0c, 0x00, 0x07, 0x00,
		0x08, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00, 0x2a,
	}
	decoded, err := UnmarshalAttrs(b, &Policy{Types: map[uint16]*Policy{
		7: {Types: map[uint16]*Policy{6: nil}},
	}})
	require.NoError(t, err)
	data, ok := decoded.Nested(7)
	require.True(t, ok)
	v, ok := data.Uint32BE(6)
	require.True(t, ok)
	assert.Equal(t, uint32(42), v)
}

func TestUnmarshalAttrsDepthLimit(t *testing.T) {
	a := Uint8(1, 1)
	for i := 0; i < attrMaxDepth+2; i++ {
		a = NestedAttr(1, a)
	}
	_, err := MarshalAttrs(Attrs{a})
	require.Error(t, err)
}

func TestAttrAccessorsRejectWrongWidth(t *testing.T) {
	_, ok := Bytes(1, []byte{1, 2, 3}).AsUint32BE()
	assert.False(t, ok)
	_, ok = Bytes(1, []byte{1, 2, 3}).AsAddr()
	assert.False(t, ok)
	v, ok := Uint64BE(1, 1500).AsUint64BE()
	require.True(t, ok)
	assert.Equal(t, uint64(1500), v)
	u16, ok := Uint16BE(1, 0x0102).AsUint16BE()
	require.True(t, ok)
	assert.Equal(t, uint16(0x0102), u16)
}
