//go:build linux

package nfnl

import (
	"fmt"

	"github.com/yaotthaha/nlset/adapter"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

const (
	SubsysIPSet    uint8 = unix.NFNL_SUBSYS_IPSET
	SubsysNFTables uint8 = unix.NFNL_SUBSYS_NFTABLES
)

const nfgenmsgLen = 4

// Message is a netfilter netlink message: the netlink header, the nfgenmsg
// fixed header and the attribute tree.
type Message struct {
	Subsystem uint8
	Command   uint8
	Flags     netlink.HeaderFlags
	Sequence  uint32
	PID       uint32
	Family    uint8
	Version   uint8
	ResID     uint16
	Attrs     Attrs
}

func (m Message) Type() netlink.HeaderType {
	return netlink.HeaderType(uint16(m.Subsystem)<<8 | uint16(m.Command))
}

func (m Message) String() string {
	return fmt.Sprintf("subsys=%d cmd=%d flags=%#x seq=%d", m.Subsystem, m.Command, uint16(m.Flags), m.Sequence)
}

func (m Message) Marshal() (netlink.Message, error) {
	attrs, err := MarshalAttrs(m.Attrs)
	if err != nil {
		return netlink.Message{}, err
	}
	data := make([]byte, nfgenmsgLen, nfgenmsgLen+len(attrs))
	data[0] = m.Family
	data[1] = m.Version
	data[2] = byte(m.ResID >> 8)
	data[3] = byte(m.ResID)
	data = append(data, attrs...)
	return netlink.Message{
		Header: netlink.Header{
			Type:     m.Type(),
			Flags:    m.Flags,
			Sequence: m.Sequence,
			PID:      m.PID,
		},
		Data: data,
	}, nil
}

func UnmarshalMessage(nm netlink.Message, policy *Policy) (Message, error) {
	if len(nm.Data) < nfgenmsgLen {
		return Message{}, adapter.NewError(adapter.KindMalformed, "message", "short nfgenmsg: %d bytes", len(nm.Data))
	}
	attrs, err := UnmarshalAttrs(nm.Data[nfgenmsgLen:], policy)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subsystem: uint8(uint16(nm.Header.Type) >> 8),
		Command:   uint8(nm.Header.Type),
		Flags:     nm.Header.Flags,
		Sequence:  nm.Header.Sequence,
		PID:       nm.Header.PID,
		Family:    nm.Data[0],
		Version:   nm.Data[1],
		ResID:     uint16(nm.Data[2])<<8 | uint16(nm.Data[3]),
		Attrs:     attrs,
	}, nil
}

// batchMessage builds NFNL_MSG_BATCH_BEGIN or NFNL_MSG_BATCH_END for the
// given subsystem.
func batchMessage(typ uint16, subsys uint8, seq uint32) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{
			Type:     netlink.HeaderType(typ),
			Flags:    netlink.Request,
			Sequence: seq,
		},
		Data: []byte{unix.AF_UNSPEC, unix.NFNETLINK_V0, 0, subsys},
	}
}
