//go:build !linux

package nfnl

import (
	"errors"

	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/option"

	"github.com/vishvananda/netns"
)

var ErrOSNotSupported = errors.New("nfnl: netfilter netlink is only available on linux")

type Client struct {
	logger log.Logger
}

func NewClient(logger log.Logger, _ option.NetlinkOptions) *Client {
	return &Client{logger: log.NewTagLogger(logger, "nfnl")}
}

func (c *Client) WithNetNS(netns.NsHandle) {}
