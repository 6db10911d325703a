// Package loop implements the daemon's single-threaded completion reactor.
//
// All socket I/O, timers, and registry mutation run on one goroutine: ops
// are submitted with a callback, performed off-loop, and their completions
// are delivered back serialized on the Run goroutine. Submissions and
// cancellations must themselves happen on the Run goroutine (or before Run
// starts); completion callbacks are the natural place.
package loop

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrCanceled is delivered to the callback of an operation voided by
// CancelFD or Task.Cancel. Cancellation is best-effort: the operation may
// already have taken effect (N still reports the bytes moved) before its
// completion is delivered with ErrCanceled.
var ErrCanceled = errors.New("operation canceled")

// Result is the outcome of one submitted operation.
type Result struct {
	N   int
	Err error
}

// Callback is invoked exactly once per submitted operation, on the Run
// goroutine. Callbacks must not block.
type Callback func(Result)

// AcceptCallback is invoked for accept operations with the new connection
// and its file descriptor.
type AcceptCallback func(conn *net.UnixConn, fd int, err error)

type opKind int

const (
	opAccept opKind = iota
	opRecv
	opSend
	opRead
	opTimeout
	opClose
)

// deadliner is the subset of net.Conn and os.File used to interrupt a
// blocked read or write during cancellation.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Task is the handle for one outstanding operation.
type Task struct {
	id       uint64
	fd       int
	kind     opKind
	canceled bool
	loop     *Loop
	timer    *time.Timer
	dl       deadliner
	cb       Callback
	acb      AcceptCallback
	sent     chan struct{} // send only: closed once its completion is posted
}

// Cancel requests best-effort cancellation of the task. For timers whose
// expiry has not fired, the callback is delivered with ErrCanceled.
func (t *Task) Cancel() { t.loop.cancelTask(t) }

type completion struct {
	task *Task
	res  Result
	// accept-only payload
	conn *net.UnixConn
	fd   int
}

// Loop is the reactor. Create with New, submit initial ops, then Run.
type Loop struct {
	completions chan completion
	funcs       chan func()
	stop        chan struct{}
	nextID      uint64
	tasks       map[uint64]*Task
	byFD        map[int]map[uint64]*Task
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{
		completions: make(chan completion, 256),
		funcs:       make(chan func(), 64),
		stop:        make(chan struct{}),
		tasks:       make(map[uint64]*Task),
		byFD:        make(map[int]map[uint64]*Task),
	}
}

// Run processes completions until Stop is called. It must be called from
// exactly one goroutine, which becomes the loop thread.
func (l *Loop) Run() {
	for {
		select {
		case <-l.stop:
			return
		case c := <-l.completions:
			l.finish(c)
		case fn := <-l.funcs:
			fn()
		}
	}
}

// Stop makes Run return. Outstanding operations are abandoned; their
// goroutines unblock when the daemon closes the underlying fds.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *Loop) finish(c completion) {
	t := c.task
	l.unregister(t)
	if t.canceled {
		c.res.Err = ErrCanceled
	}
	if t.kind == opAccept {
		t.acb(c.conn, c.fd, c.res.Err)
		return
	}
	t.cb(c.res)
}

func (l *Loop) register(t *Task) {
	l.nextID++
	t.id = l.nextID
	t.loop = l
	l.tasks[t.id] = t
	if t.fd >= 0 {
		m := l.byFD[t.fd]
		if m == nil {
			m = make(map[uint64]*Task)
			l.byFD[t.fd] = m
		}
		m[t.id] = t
	}
}

func (l *Loop) unregister(t *Task) {
	delete(l.tasks, t.id)
	if t.fd >= 0 {
		if m := l.byFD[t.fd]; m != nil {
			delete(m, t.id)
			if len(m) == 0 {
				delete(l.byFD, t.fd)
			}
		}
	}
}

func (l *Loop) post(c completion) {
	select {
	case l.completions <- c:
	case <-l.stop:
	}
}

// Do schedules fn on the loop goroutine. Unlike submissions, Do is safe
// to call from any goroutine; it is how signal handlers and other outside
// threads reach loop-owned state.
func (l *Loop) Do(fn func()) {
	select {
	case l.funcs <- fn:
	case <-l.stop:
	}
}

// Accept submits an accept on the listener. The callback receives the new
// connection and its fd.
func (l *Loop) Accept(ln *net.UnixListener, cb AcceptCallback) *Task {
	t := &Task{fd: -1, kind: opAccept, acb: cb}
	l.register(t)
	go func() {
		conn, err := ln.AcceptUnix()
		fd := -1
		if err == nil {
			fd = connFD(conn)
		}
		l.post(completion{task: t, res: Result{Err: err}, conn: conn, fd: fd})
	}()
	return t
}

// Recv submits a read on a client connection into buf.
func (l *Loop) Recv(fd int, conn *net.UnixConn, buf []byte, cb Callback) *Task {
	t := &Task{fd: fd, kind: opRecv, dl: conn, cb: cb}
	l.register(t)
	go func() {
		n, err := conn.Read(buf)
		l.post(completion{task: t, res: Result{N: n, Err: err}})
	}()
	return t
}

// Send submits a full write of buf on a client connection. Sends on one fd
// write and complete in submission order: each waits for the latest
// earlier send still outstanding on that fd.
func (l *Loop) Send(fd int, conn *net.UnixConn, buf []byte, cb Callback) *Task {
	var prev *Task
	for _, o := range l.byFD[fd] {
		if o.kind == opSend && (prev == nil || o.id > prev.id) {
			prev = o
		}
	}
	t := &Task{fd: fd, kind: opSend, dl: conn, cb: cb, sent: make(chan struct{})}
	l.register(t)
	go func() {
		defer close(t.sent)
		if prev != nil {
			<-prev.sent
		}
		n, err := writeFull(conn, buf)
		l.post(completion{task: t, res: Result{N: n, Err: err}})
	}()
	return t
}

// Read submits a read on a file (signal pipe read end) into buf.
func (l *Loop) Read(fd int, f *os.File, buf []byte, cb Callback) *Task {
	t := &Task{fd: fd, kind: opRead, dl: f, cb: cb}
	l.register(t)
	go func() {
		n, err := f.Read(buf)
		l.post(completion{task: t, res: Result{N: n, Err: err}})
	}()
	return t
}

// Timeout submits a one-shot timer.
func (l *Loop) Timeout(d time.Duration, cb Callback) *Task {
	t := &Task{fd: -1, kind: opTimeout, cb: cb}
	l.register(t)
	t.timer = time.AfterFunc(d, func() {
		l.post(completion{task: t, res: Result{}})
	})
	return t
}

// Close submits a close of the given closer. The completion fires after
// the fd is closed.
func (l *Loop) Close(fd int, c interface{ Close() error }, cb Callback) *Task {
	t := &Task{fd: fd, kind: opClose, cb: cb}
	l.register(t)
	go func() {
		err := c.Close()
		l.post(completion{task: t, res: Result{Err: err}})
	}()
	return t
}

// CancelFD voids every outstanding operation on the given fd. Blocked
// reads and writes are interrupted via deadlines; their completions are
// delivered with ErrCanceled.
func (l *Loop) CancelFD(fd int) {
	past := time.Unix(0, 1)
	for _, t := range l.byFD[fd] {
		t.canceled = true
		if t.dl != nil {
			t.dl.SetReadDeadline(past)
			t.dl.SetWriteDeadline(past)
		}
	}
}

func (l *Loop) cancelTask(t *Task) {
	if _, ok := l.tasks[t.id]; !ok {
		return // already completed
	}
	t.canceled = true
	switch t.kind {
	case opTimeout:
		if t.timer.Stop() {
			// Expiry will never fire; deliver the cancelled completion.
			l.post(completion{task: t, res: Result{}})
		}
	default:
		if t.dl != nil {
			past := time.Unix(0, 1)
			t.dl.SetReadDeadline(past)
			t.dl.SetWriteDeadline(past)
		}
	}
}

// Outstanding reports the number of operations not yet completed.
func (l *Loop) Outstanding() int { return len(l.tasks) }

func writeFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// connFD extracts the OS file descriptor of an accepted connection. The
// descriptor stays owned by the net runtime; the number is used as the
// client identity while the connection is open.
func connFD(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}
