//go:build linux

package nfnl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/option"

	"github.com/mdlayher/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const DefaultTimeout = 5 * time.Second

var sequence atomic.Uint32

func init() {
	sequence.Store(uint32(time.Now().Unix()))
}

// nextSequence never returns zero, netlink.Conn would replace it.
func nextSequence() uint32 {
	for {
		if seq := sequence.Add(1); seq != 0 {
			return seq
		}
	}
}

// Request is one exchange. Batch wraps the message in
// NFNL_MSG_BATCH_BEGIN/END, nf_tables refuses mutations outside a batch.
type Request struct {
	Op       string
	Message  Message
	Batch    bool
	Policy   *Policy
	Classify adapter.ErrnoClassifier
}

func (r *Request) dump() bool {
	return r.Message.Flags&netlink.Dump == netlink.Dump
}

func (r *Request) ack() bool {
	return r.Message.Flags&netlink.Acknowledge != 0
}

type Conn interface {
	SendMessages(messages []netlink.Message) ([]netlink.Message, error)
	Receive() ([]netlink.Message, error)
	SetDeadline(t time.Time) error
	Close() error
}

type Client struct {
	logger  log.Logger
	timeout time.Duration
	netns   string
	nsFd    int
	strict  bool
	dial    func() (Conn, error)
}

func NewClient(logger log.Logger, options option.NetlinkOptions) *Client {
	c := &Client{
		logger:  log.NewTagLogger(logger, "nfnl"),
		timeout: time.Duration(options.Timeout),
		netns:   options.NetNS,
		nsFd:    -1,
		strict:  options.Strict,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	c.dial = c.dialNetlink
	return c
}

// WithNetNS pins the client to an already opened namespace handle. It takes
// precedence over the configured namespace name.
func (c *Client) WithNetNS(ns netns.NsHandle) {
	c.nsFd = int(ns)
}

// WithDialer replaces the kernel socket, used by tests to talk to a fake.
func (c *Client) WithDialer(dial func() (Conn, error)) {
	c.dial = dial
}

func (c *Client) dialNetlink() (Conn, error) {
	config := &netlink.Config{
		Strict: c.strict,
	}
	switch {
	case c.nsFd >= 0:
		config.NetNS = c.nsFd
	case c.netns != "":
		var (
			ns  netns.NsHandle
			err error
		)
		if strings.ContainsRune(c.netns, '/') {
			ns, err = netns.GetFromPath(c.netns)
		} else {
			ns, err = netns.GetFromName(c.netns)
		}
		if err != nil {
			return nil, fmt.Errorf("open netns %s fail: %w", c.netns, err)
		}
		defer ns.Close()
		config.NetNS = int(ns)
	}
	nc, err := netlink.Dial(unix.NETLINK_NETFILTER, config)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// Exchange sends one request on a fresh socket and collects its replies.
// Dump replies are accumulated until the kernel ends the dump; an error or an
// expired deadline discards everything collected so far.
func (c *Client) Exchange(ctx context.Context, req *Request) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, adapter.WrapError(adapter.KindTimeout, req.Op, err)
		}
		return nil, err
	}
	nc, err := c.dial()
	if err != nil {
		return nil, dialError(req.Op, err)
	}
	defer nc.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, adapter.WrapError(adapter.KindProtocol, req.Op, err)
	}

	msg := req.Message
	msg.Flags |= netlink.Request
	msg.Sequence = nextSequence()
	nm, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	out := []netlink.Message{nm}
	index := 0
	if req.Batch {
		out = []netlink.Message{
			batchMessage(unix.NFNL_MSG_BATCH_BEGIN, msg.Subsystem, nextSequence()),
			nm,
			batchMessage(unix.NFNL_MSG_BATCH_END, msg.Subsystem, nextSequence()),
		}
		index = 1
	}
	sent, err := nc.SendMessages(out)
	if err != nil {
		return nil, c.receiveError(req, err)
	}
	want := sent[index].Header
	c.logger.Debug(fmt.Sprintf("send %s seq=%d len=%d", req.Op, want.Sequence, want.Length))
	return c.receive(nc, req, want)
}

func (c *Client) receive(nc Conn, req *Request, want netlink.Header) ([]Message, error) {
	var replies []Message
	dump, ack := req.dump(), req.ack()
	for {
		messages, err := nc.Receive()
		if err != nil {
			return nil, c.receiveError(req, err)
		}
		matched := false
		for _, m := range messages {
			if m.Header.Sequence != want.Sequence || m.Header.PID != want.PID {
				c.logger.Debug(fmt.Sprintf("drop foreign message type=%d seq=%d pid=%d", m.Header.Type, m.Header.Sequence, m.Header.PID))
				continue
			}
			matched = true
			switch m.Header.Type {
			case netlink.Done:
				if dump {
					return replies, nil
				}
				continue
			case netlink.Error:
				// non zero codes never get here, netlink.Conn turns them into *netlink.OpError
				if ack && !dump {
					return replies, nil
				}
				continue
			case netlink.Noop, netlink.Overrun:
				continue
			}
			reply, err := UnmarshalMessage(m, req.Policy)
			if err != nil {
				return nil, adapter.WrapError(adapter.KindMalformed, req.Op, err)
			}
			replies = append(replies, reply)
			if !dump && !ack {
				return replies, nil
			}
		}
		// netlink.Conn drains a multipart dump in one Receive and strips the
		// trailing NLMSG_DONE, an empty read is a dump with no entries.
		if dump && (matched || len(messages) == 0) {
			return replies, nil
		}
	}
}

func (c *Client) receiveError(req *Request, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return adapter.WrapError(adapter.KindTimeout, req.Op, err)
	}
	var opErr *netlink.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			return adapter.ErrnoError(req.Op, int(errno), opErr.Message, req.Classify)
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return adapter.ErrnoError(req.Op, int(errno), "", req.Classify)
	}
	return adapter.WrapError(adapter.KindProtocol, req.Op, err)
}

func dialError(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPERM, syscall.EACCES:
			return adapter.WrapError(adapter.KindPermissionDenied, op, err)
		case syscall.EPROTONOSUPPORT:
			return adapter.WrapError(adapter.KindUnsupported, op, err)
		}
	}
	return adapter.WrapError(adapter.KindProtocol, op, err)
}
