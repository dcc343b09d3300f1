package imapclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	idle "github.com/emersion/go-imap-idle"
)

// IdleState names a position in the IDLE state machine described in the
// design: Disconnected -> Connecting -> Selected(folder) -> Idling(folder)
// -> Disconnected.
type IdleState string

const (
	IdleDisconnected IdleState = "disconnected"
	IdleConnecting   IdleState = "connecting"
	IdleSelected     IdleState = "selected"
	IdleIdling       IdleState = "idling"
)

// idlePauseTimeout bounds how long a foreground command waits for the
// IDLE loop to acknowledge a pause request before giving up and issuing
// its command unsynchronized anyway; a hung IDLE goroutine should not
// wedge every other operation on the account forever.
const idlePauseTimeout = 10 * time.Second

// errPausedForCommand is runIdleSession's sentinel return value when it
// exited only to let a foreground command run, not because of a real
// error — idleLoop re-enters IDLE immediately on this, skipping the
// backoff/warning path used for genuine session failures.
var errPausedForCommand = errors.New("imapclient: idle paused for command")

// MailCallback is invoked, non-blocking, whenever the server reports new
// messages while idling. n is the message count delta observed since the
// last known mailbox size. The callback must not block; long-running
// work belongs on a separate goroutine the caller spawns itself.
type MailCallback func(folder string, n uint32)

type idleState struct {
	c *Client

	mu       sync.Mutex
	state    IdleState
	folder   string
	stop     chan struct{}
	cb       MailCallback
	lastSize uint32

	// pauseReq and resume are non-nil only while runIdleSession is
	// actually idling (IdleIdling) on this connection. A foreground
	// command sends an ack channel over pauseReq and waits for it to
	// close, signalling the IDLE command has been stopped (DONE sent);
	// it then issues its own command and, on completion, writes to
	// resume so runIdleSession re-enters IDLE.
	pauseReq chan chan struct{}
	resume   chan struct{}
}

func newIdleState(c *Client) *idleState {
	return &idleState{c: c, state: IdleDisconnected}
}

// StartIdleMonitoring begins IDLE monitoring of folder, invoking cb on every observed
// increase in message count. Starting while already idling the same
// folder is a no-op; starting on a different folder restarts the loop.
func (c *Client) StartIdleMonitoring(folder string, cb MailCallback) error {
	c.idle.mu.Lock()
	if c.idle.state == IdleIdling && c.idle.folder == folder {
		c.idle.mu.Unlock()
		return nil
	}
	if c.idle.stop != nil {
		close(c.idle.stop)
	}
	stop := make(chan struct{})
	c.idle.stop = stop
	c.idle.folder = folder
	c.idle.cb = cb
	c.idle.state = IdleConnecting
	c.idle.mu.Unlock()

	go c.idleLoop(folder, stop)
	return nil
}

// StopIdleMonitoring removes all handlers and clears the callback. It is
// the only way the IDLE loop stops; request-scoped cancellation never
// touches it.
func (c *Client) StopIdleMonitoring() {
	c.idle.mu.Lock()
	defer c.idle.mu.Unlock()
	if c.idle.stop != nil {
		close(c.idle.stop)
		c.idle.stop = nil
	}
	c.idle.cb = nil
	c.idle.state = IdleDisconnected
}

// IsIdleActive reports whether the IDLE loop currently believes itself to
// be idling a folder.
func (c *Client) IsIdleActive() bool {
	c.idle.mu.Lock()
	defer c.idle.mu.Unlock()
	return c.idle.state == IdleIdling
}

// pauseIdleForCommand asks the IDLE loop, if one is actively idling this
// connection, to send DONE and stand aside so a foreground command can
// issue its own request without violating "no command while IDLE is
// outstanding." It returns a resume closure the caller must invoke
// (typically via defer) once its command has completed, which lets the
// IDLE loop re-enter IDLE. If no IDLE session is active, it returns a
// no-op closure immediately.
func (c *Client) pauseIdleForCommand() func() {
	c.idle.mu.Lock()
	pauseReq := c.idle.pauseReq
	resume := c.idle.resume
	c.idle.mu.Unlock()
	if pauseReq == nil {
		return func() {}
	}

	ack := make(chan struct{})
	select {
	case pauseReq <- ack:
	case <-time.After(idlePauseTimeout):
		return func() {}
	}

	select {
	case <-ack:
	case <-time.After(idlePauseTimeout):
	}

	return func() {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// idleLoop drives one folder's idle session, reconnecting with backoff on
// any error until Stop is called. A pause-for-command exit is not an
// error: it re-enters runIdleSession immediately.
func (c *Client) idleLoop(folder string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := c.runIdleSession(folder, stop)
		if err == nil {
			// runIdleSession returning nil means stop fired cleanly.
			return
		}
		if errors.Is(err, errPausedForCommand) {
			continue
		}

		c.logger.WithError(err).WithField("folder", folder).Warn("IDLE session ended")
		c.idle.mu.Lock()
		c.idle.state = IdleDisconnected
		c.idle.mu.Unlock()
		select {
		case <-stop:
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// runIdleSession selects folder, enters Idling, and blocks until the
// underlying IdleWithFallback call returns (error, stop closed, or a
// foreground command requests a pause).
func (c *Client) runIdleSession(folder string, stop <-chan struct{}) error {
	// The IDLE loop is a long-lived background session, not bound to any
	// request; it runs until Stop is called, so it selects with
	// context.Background() rather than a caller-supplied context.
	status, err := c.selectFolder(context.Background(), folder, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cl := c.conn
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}

	pauseReq := make(chan chan struct{})
	resume := make(chan struct{}, 1)

	c.idle.mu.Lock()
	c.idle.state = IdleIdling
	c.idle.lastSize = status.Messages
	c.idle.pauseReq = pauseReq
	c.idle.resume = resume
	c.idle.mu.Unlock()
	defer func() {
		c.idle.mu.Lock()
		c.idle.pauseReq = nil
		c.idle.resume = nil
		c.idle.mu.Unlock()
	}()

	updates := make(chan client.Update, 16)
	cl.Updates = updates
	defer func() { cl.Updates = nil }()

	idleClient := idle.NewClient(cl)
	idleStop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- idleClient.IdleWithFallback(idleStop, idleRenewal) }()

	for {
		select {
		case <-stop:
			close(idleStop)
			<-done
			return nil
		case ack := <-pauseReq:
			close(idleStop)
			<-done
			close(ack)
			select {
			case <-resume:
				return errPausedForCommand
			case <-stop:
				return nil
			}
		case upd, ok := <-updates:
			if !ok {
				continue
			}
			c.handleIdleUpdate(folder, upd)
		case err := <-done:
			return err
		}
	}
}

// handleIdleUpdate inspects one update from the IMAP client's Updates
// channel, invoking the registered callback on a mailbox-size increase.
// Any other update (flag change, expunge) is logged and otherwise
// ignored, matching the spec's "an update event is logged" behavior. The
// callback runs on its own goroutine and reaches the connection, if at
// all, only through pauseIdleForCommand — never directly against cl.
func (c *Client) handleIdleUpdate(folder string, upd client.Update) {
	mu, ok := upd.(*client.MailboxUpdate)
	if !ok {
		c.logger.WithField("folder", folder).Debug("IDLE update event")
		return
	}

	c.idle.mu.Lock()
	prev := c.idle.lastSize
	cb := c.idle.cb
	if mu.Mailbox != nil {
		c.idle.lastSize = mu.Mailbox.Messages
	}
	c.idle.mu.Unlock()

	if mu.Mailbox == nil || mu.Mailbox.Messages <= prev || cb == nil {
		return
	}
	n := mu.Mailbox.Messages - prev
	go cb(folder, n)
}
