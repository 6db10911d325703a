// Package daemon is the session multiplexer: it owns the listening
// socket, the client and session registries, the frame scheduler, and the
// RPC dispatcher. Everything here runs on the event-loop goroutine.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/prise-term/prise/internal/config"
	"github.com/prise-term/prise/internal/logging"
	"github.com/prise-term/prise/internal/loop"
	"github.com/prise-term/prise/internal/monitoring"
	"github.com/prise-term/prise/internal/session"
	"github.com/prise-term/prise/internal/wire"
)

// ErrAlreadyRunning reports a live daemon on the configured socket path.
var ErrAlreadyRunning = errors.New("daemon already running")

const probeTimeout = 500 * time.Millisecond

// Daemon is the registry and dispatcher. Construct with New, then Listen
// and Run.
type Daemon struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	loop *loop.Loop
	ln   *net.UnixListener

	clients  map[int]*Client
	sessions map[uint32]*session.Session
	nextSID  uint32

	acceptTask *loop.Task
	accepting  bool
	stopped    bool
}

// New creates a daemon. metrics may be nil.
func New(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Daemon {
	return &Daemon{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		loop:     loop.New(),
		clients:  make(map[int]*Client),
		sessions: make(map[uint32]*session.Session),
	}
}

// Loop exposes the daemon's event loop (signal handlers use Do).
func (d *Daemon) Loop() *loop.Loop { return d.loop }

// Listen binds the unix socket. An existing path is probed with a
// connection attempt: a live daemon aborts startup, a stale path is
// unlinked.
func (d *Daemon) Listen() error {
	path := d.cfg.Socket.Path
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, probeTimeout)
		if err == nil {
			conn.Close()
			return fmt.Errorf("%w on %s", ErrAlreadyRunning, path)
		}
		d.log.Info("removing stale socket", zap.String("path", path))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("unlink stale socket: %w", err)
		}
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("resolve socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}
	// Local access control is the filesystem mode on the socket path.
	os.Chmod(path, 0o600)
	d.ln = ln
	d.log.Info("listening", zap.String("path", path))
	return nil
}

// Run arms the first accept and drives the loop until shutdown. On return
// the socket path is unlinked.
func (d *Daemon) Run() error {
	if d.ln == nil {
		return errors.New("daemon: Run before Listen")
	}
	d.armAccept()
	d.loop.Run()
	d.ln.Close()
	os.Remove(d.cfg.Socket.Path)
	d.log.Info("daemon stopped")
	return nil
}

// Shutdown destroys all sessions, disconnects clients, and stops the
// loop. Must run on the loop goroutine (use Loop().Do from outside).
func (d *Daemon) Shutdown() {
	if d.stopped {
		return
	}
	d.stopped = true
	d.stopAccepting()
	for _, s := range d.sessions {
		d.destroySession(s, false)
	}
	for _, c := range d.clients {
		c.send.discard()
		d.loop.CancelFD(c.fd)
		c.conn.Close()
	}
	d.clients = make(map[int]*Client)
	d.loop.Stop()
}

func (d *Daemon) armAccept() {
	d.accepting = true
	d.acceptTask = d.loop.Accept(d.ln, func(conn *net.UnixConn, fd int, err error) {
		d.acceptTask = nil
		if err != nil {
			if d.accepting {
				d.log.Warn("accept failed", zap.Error(err))
				d.armAccept()
			}
			return
		}
		d.addClient(conn, fd)
		d.armAccept()
	})
}

func (d *Daemon) stopAccepting() {
	d.accepting = false
	if d.ln != nil {
		// Closing the listener completes the pending accept with an
		// error; the callback sees accepting=false and stops.
		d.ln.Close()
	}
}

func (d *Daemon) addClient(conn *net.UnixConn, fd int) {
	c := newClient(fd, conn)
	d.clients[fd] = c
	if d.metrics != nil {
		d.metrics.ClientsActive.Inc()
	}
	d.log.Info("client connected", zap.Int("fd", fd))
	d.armRecv(c)
}

func (d *Daemon) armRecv(c *Client) {
	d.loop.Recv(c.fd, c.conn, c.rbuf, func(res loop.Result) {
		if c.closing {
			return
		}
		if res.Err != nil {
			// EOF, error, or cancellation: silent disconnect.
			d.disconnect(c)
			return
		}
		c.dec.Feed(c.rbuf[:res.N])
		for {
			msg, err := c.dec.Next()
			if err != nil {
				d.log.Warn("dropping malformed message",
					zap.Int("fd", c.fd), zap.Error(err))
				continue
			}
			if msg == nil {
				break
			}
			d.dispatch(c, msg)
			if c.closing {
				return
			}
		}
		d.armRecv(c)
	})
}

// sendData queues bytes to a client, submitting immediately when no send
// is in flight.
func (d *Daemon) sendData(c *Client, buf []byte) {
	if c.closing {
		return
	}
	if next := c.send.push(buf); next != nil {
		d.submitSend(c, next)
	}
}

func (d *Daemon) submitSend(c *Client, buf []byte) {
	d.loop.Send(c.fd, c.conn, buf, func(res loop.Result) {
		if res.Err != nil {
			// The pending recv will observe the failure and tear the
			// client down; just drop what we were going to send.
			if !errors.Is(res.Err, loop.ErrCanceled) {
				d.log.Warn("send failed", zap.Int("fd", c.fd), zap.Error(res.Err))
			}
			c.send.discard()
			return
		}
		if next := c.send.complete(); next != nil {
			d.submitSend(c, next)
		}
	})
}

// disconnect tears a client down: cancel its outstanding loop operations,
// drop its attachments, sweep now-empty sessions without keep-alive, then
// close the fd.
func (d *Daemon) disconnect(c *Client) {
	if c.closing {
		return
	}
	c.closing = true
	d.loop.CancelFD(c.fd)
	delete(d.clients, c.fd)
	c.attached = nil
	c.send.discard()

	for _, s := range d.sessions {
		if !s.KeepAlive && len(d.attachedClients(s.ID)) == 0 {
			d.destroySession(s, false)
		}
	}

	fd := c.fd
	d.loop.Close(c.fd, c.conn, func(loop.Result) {
		d.log.Info("client disconnected", zap.Int("fd", fd))
	})
	if d.metrics != nil {
		d.metrics.ClientsActive.Dec()
	}

	if d.cfg.Daemon.ExitOnIdle && len(d.clients) == 0 {
		d.log.Info("idle, shutting down")
		d.Shutdown()
	}
}

func (d *Daemon) attachedClients(sid uint32) []*Client {
	var out []*Client
	for _, c := range d.clients {
		if c.isAttached(sid) {
			out = append(out, c)
		}
	}
	return out
}

// notify sends a notification to one client, logging encode failures.
func (d *Daemon) notify(c *Client, method string, params any) {
	payload, err := wire.EncodeNotification(method, params)
	if err != nil {
		d.log.Error("encode notification", zap.String("method", method), zap.Error(err))
		return
	}
	d.sendData(c, payload)
}
