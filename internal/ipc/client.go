package ipc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// call issues method and waits for its reply or ctx, whichever comes first.
// An abandoned call's reply is discarded by net/rpc.
func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	pending := c.client.Go(serviceName+"."+method, req, resp, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-pending.Done:
		return done.Error
	}
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, "Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lock starts a lock run, optionally waiting for its result.
func (c *Client) Lock(ctx context.Context, req LockRequest) (*LockResponse, error) {
	var resp LockResponse
	if err := c.call(ctx, "Lock", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unlock disengages every output.
func (c *Client) Unlock(ctx context.Context, keepOffset bool) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call(ctx, "Unlock", UnlockRequest{KeepOffset: keepOffset}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep starts the default sweep output.
func (c *Client) Sweep(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call(ctx, "Sweep", SweepRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Relock locks unless already locked or locking.
func (c *Client) Relock(ctx context.Context) (*RelockResponse, error) {
	var resp RelockResponse
	if err := c.call(ctx, "Relock", RelockRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetAutoLock toggles the autolocker. A zero interval keeps the current one.
func (c *Client) SetAutoLock(ctx context.Context, enabled bool, interval time.Duration) (*AutoLockResponse, error) {
	var resp AutoLockResponse
	req := AutoLockRequest{Enabled: enabled, IntervalMillis: interval.Milliseconds()}
	if err := c.call(ctx, "SetAutoLock", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnableStage applies sequence stage i and holds it.
func (c *Client) EnableStage(ctx context.Context, i int) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call(ctx, "EnableStage", StageRequest{Index: i}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause suspends the active run.
func (c *Client) Pause(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call(ctx, "Pause", PauseRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume continues a paused run.
func (c *Client) Resume(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.call(ctx, "Resume", ResumeRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History lists journaled runs, newest first.
func (c *Client) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call(ctx, "History", HistoryRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification(ctx context.Context) (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call(ctx, "TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
