// Package imapclient implements the IMAP Client (C2): connection
// lifecycle, folder cursor, batched search/fetch, flag/label/move
// mutations, and an IDLE state machine with reconnect — grounded on the
// emersion/go-imap client the teacher already depends on, plus the IDLE
// and MOVE extensions used by the IMAP-server side of this corpus.
package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/config"
)

const (
	connectTimeout   = 30 * time.Second
	authTimeout      = 30 * time.Second
	noopInterval     = 10 * time.Second
	idleRenewal      = 5 * time.Minute
	reconnectBackoff = 5 * time.Second
)

// Client is a singleton connection to one IMAP account. All operations
// funnel through it, which serializes folder selection.
type Client struct {
	cfg    *config.Account
	logger *logrus.Logger

	mu         sync.Mutex
	conn       *client.Client
	connected  bool
	pending    chan struct{} // non-nil while a connection attempt is in flight
	selected   string
	selectedRW bool

	idle *idleState
}

// New creates a Client bound to cfg. It does not connect immediately.
func New(cfg *config.Account, logger *logrus.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}
	c.idle = newIdleState(c)
	return c
}

// Connect establishes the connection if one is not already up, coalescing
// concurrent callers onto a single dial+login attempt. ctx bounds the
// dial, TLS handshake, and login; a cancellation while another caller's
// attempt is in flight simply stops waiting on it, it does not abort it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.pending != nil {
		wait := c.pending
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if connected {
			return nil
		}
		return ErrNotConnected
	}
	pending := make(chan struct{})
	c.pending = pending
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	close(pending)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort)

	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{ServerName: c.cfg.IMAPHost, MinVersion: tls.VersionTLS12})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close() //nolint:errcheck
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	cl, err := client.New(tlsConn)
	if err != nil {
		tlsConn.Close() //nolint:errcheck
		return fmt.Errorf("failed to initialize IMAP client: %w", err)
	}
	cl.Timeout = authTimeout

	loginDone := make(chan error, 1)
	go func() { loginDone <- cl.Login(c.cfg.IMAPUsername, c.cfg.IMAPPassword) }()
	select {
	case err := <-loginDone:
		if err != nil {
			cl.Logout() //nolint:errcheck
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	case <-ctx.Done():
		tlsConn.Close() //nolint:errcheck
		return ctx.Err()
	}

	c.mu.Lock()
	c.conn = cl
	c.connected = true
	c.selected = ""
	c.mu.Unlock()

	go c.keepalive(cl)

	c.logger.WithField("account", c.cfg.Name).Info("Connected to IMAP server")
	return nil
}

// keepalive issues periodic no-ops until the connection is marked down.
func (c *Client) keepalive(cl *client.Client) {
	ticker := time.NewTicker(noopInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stillCurrent := c.conn == cl && c.connected
		c.mu.Unlock()
		if !stillCurrent {
			return
		}
		if err := cl.Noop(); err != nil {
			c.markDown(err)
			return
		}
	}
}

// markDown marks the connection terminal on any unrecoverable error,
// including a cancelled caller's context — the Logout() write+read is
// itself what unblocks the goroutine that was waiting on the cancelled
// round trip's Read(). The next Connect() call triggers a fresh dial.
func (c *Client) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.logger.WithError(err).WithField("account", c.cfg.Name).Warn("IMAP connection marked down")
	if c.conn != nil {
		c.conn.Logout() //nolint:errcheck
	}
	c.conn = nil
	c.connected = false
	c.selected = ""
}

// Close logs out and tears down the connection.
func (c *Client) Close() error {
	c.StopIdleMonitoring()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	c.connected = false
	return err
}

// selectFolder re-selects folder in the requested mode only if the cursor
// isn't already positioned there in a mode at least as permissive. The
// SELECT itself pauses any outstanding IDLE on this connection, since
// IMAP forbids issuing a command while IDLE is outstanding.
func (c *Client) selectFolder(ctx context.Context, folder string, readWrite bool) (*imap.MailboxStatus, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.selected == folder && (c.selectedRW || !readWrite) {
		status := c.conn.Mailbox()
		c.mu.Unlock()
		return status, nil
	}
	cl := c.conn
	c.mu.Unlock()
	if cl == nil {
		return nil, ErrNotConnected
	}

	resume := c.pauseIdleForCommand()
	defer resume()

	type result struct {
		status *imap.MailboxStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := cl.Select(folder, !readWrite)
		done <- result{status, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to select folder %q: %w", folder, r.err)
		}
		c.mu.Lock()
		c.selected = folder
		c.selectedRW = readWrite
		c.mu.Unlock()
		return r.status, nil
	case <-ctx.Done():
		c.markDown(ctx.Err())
		return nil, ctx.Err()
	}
}

// withClient runs fn against the live *client.Client on a goroutine,
// racing it against ctx: a cancellation marks the connection down (which
// unblocks fn's in-flight Read/Write via socket teardown) and returns
// ctx.Err() without waiting for fn to notice. It does not hold c.mu for
// the duration of fn — serialization with the IDLE loop happens through
// pauseIdleForCommand, not the connection lock.
func (c *Client) withClient(ctx context.Context, fn func(*client.Client) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	cl := c.conn
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}

	resume := c.pauseIdleForCommand()
	defer resume()

	done := make(chan error, 1)
	go func() { done <- fn(cl) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.markDown(ctx.Err())
		return ctx.Err()
	}
}
