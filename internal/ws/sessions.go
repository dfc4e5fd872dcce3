package ws

import "github.com/puzpuzpuz/xsync/v4"

// sessionIndex enforces one live websocket per user across all boards. The
// handler claims an entry right after authentication, so a second tab
// displaces the first no matter which board either of them is on.
type sessionIndex struct {
	byUser *xsync.Map[string, *Client]
}

func newSessionIndex() *sessionIndex {
	return &sessionIndex{byUser: xsync.NewMap[string, *Client]()}
}

// claim registers c as the user's live connection and returns the connection
// it displaced, if any.
func (i *sessionIndex) claim(c *Client) *Client {
	var displaced *Client
	i.byUser.Compute(c.user.ID, func(old *Client, loaded bool) (*Client, xsync.ComputeOp) {
		if loaded && old != c {
			displaced = old
		}
		return c, xsync.UpdateOp
	})
	return displaced
}

// release clears the entry only while c still owns it, so a displaced
// connection tearing down cannot evict its replacement.
func (i *sessionIndex) release(c *Client) {
	i.byUser.Compute(c.user.ID, func(old *Client, loaded bool) (*Client, xsync.ComputeOp) {
		if !loaded || old != c {
			return old, xsync.CancelOp
		}
		return nil, xsync.DeleteOp
	})
}
