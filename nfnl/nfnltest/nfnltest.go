//go:build linux

// Package nfnltest answers nfnl requests from an in-process fake kernel.
package nfnltest

import (
	"time"

	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/nfnl"
	"github.com/yaotthaha/nlset/option"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/mdlayher/netlink/nltest"
	"golang.org/x/sys/unix"
)

type conn struct {
	*netlink.Conn
}

// nltest sockets have no deadline support.
func (c *conn) SetDeadline(time.Time) error {
	return nil
}

// NewClient returns a client whose exchanges are answered by fn. fn receives
// every message of one send, batch delimiters included.
func NewClient(fn nltest.Func) *nfnl.Client {
	c := nfnl.NewClient(log.NopLogger{}, option.NetlinkOptions{})
	c.WithDialer(func() (nfnl.Conn, error) {
		return &conn{Conn: nltest.Dial(fn)}, nil
	})
	return c
}

func IsBatch(m netlink.Message) bool {
	t := uint16(m.Header.Type)
	return t == unix.NFNL_MSG_BATCH_BEGIN || t == unix.NFNL_MSG_BATCH_END
}

// Payload returns the request messages without batch delimiters.
func Payload(reqs []netlink.Message) []netlink.Message {
	var out []netlink.Message
	for _, r := range reqs {
		if !IsBatch(r) {
			out = append(out, r)
		}
	}
	return out
}

// Decode parses the first non batch message of reqs.
func Decode(reqs []netlink.Message) (netlink.Message, nfnl.Message, error) {
	payload := Payload(reqs)
	if len(payload) == 0 {
		return netlink.Message{}, nfnl.Message{}, nltestError("no request message")
	}
	m, err := nfnl.UnmarshalMessage(payload[0], nil)
	return payload[0], m, err
}

// Reply builds a kernel message answering req.
func Reply(req netlink.Message, m nfnl.Message) netlink.Message {
	m.Sequence = req.Header.Sequence
	m.PID = req.Header.PID
	nm, err := m.Marshal()
	if err != nil {
		panic(err)
	}
	return nm
}

// Ack builds a zero code NLMSG_ERROR for req.
func Ack(req netlink.Message) netlink.Message {
	return Errno(req, 0)
}

// Errno builds an NLMSG_ERROR for req carrying the negated code.
func Errno(req netlink.Message, code int) netlink.Message {
	data := make([]byte, 4, 20)
	nlenc.PutInt32(data, int32(-code))
	header := make([]byte, 16)
	nlenc.PutUint32(header[0:4], req.Header.Length)
	nlenc.PutUint16(header[4:6], uint16(req.Header.Type))
	nlenc.PutUint16(header[6:8], uint16(req.Header.Flags))
	nlenc.PutUint32(header[8:12], req.Header.Sequence)
	nlenc.PutUint32(header[12:16], req.Header.PID)
	data = append(data, header...)
	return netlink.Message{
		Header: netlink.Header{
			Type:     netlink.Error,
			Sequence: req.Header.Sequence,
			PID:      req.Header.PID,
		},
		Data: data,
	}
}

// Dump marks msgs as one multipart reply to req and terminates it.
func Dump(req netlink.Message, msgs ...netlink.Message) []netlink.Message {
	out := make([]netlink.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		m.Header.Flags |= netlink.Multi
		out = append(out, m)
	}
	return append(out, netlink.Message{
		Header: netlink.Header{
			Type:     netlink.Done,
			Flags:    netlink.Multi,
			Sequence: req.Header.Sequence,
			PID:      req.Header.PID,
		},
		Data: make([]byte, 4),
	})
}

type nltestError string

func (e nltestError) Error() string {
	return "nfnltest: " + string(e)
}
