// Package session binds one PTY child to one emulator instance: a
// dedicated reader goroutine feeds PTY output into the emulator under the
// session mutex and wakes the event loop through a non-blocking signal
// pipe, and a writer goroutine drains queued client input into the
// master. Neither goroutine touches clients, the loop, or the registry;
// the loop thread only enqueues, so its callbacks never block on the tty.
package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/prise-term/prise/internal/logging"
	"github.com/prise-term/prise/internal/loop"
	"github.com/prise-term/prise/internal/monitoring"
	"github.com/prise-term/prise/internal/ptysup"
	"github.com/prise-term/prise/internal/term"
	"go.uber.org/zap"
)

// Wake bytes written to the signal pipe by the reader goroutine.
const (
	WakeOutput byte = 'o' // emulator state changed
	WakeExit   byte = 'x' // child exited, reader finished
)

const (
	readChunk   = 4096
	readBackoff = 10 * time.Millisecond

	// writeQueueDepth bounds input buffered for a child that is slow to
	// drain its tty queue. Beyond it, writes fail instead of stalling.
	writeQueueDepth = 64
)

// ErrWriteQueueFull reports input arriving faster than the child drains
// its tty input queue.
var ErrWriteQueueFull = errors.New("pty write queue full")

// ErrSessionClosed reports a write to a session being torn down.
var ErrSessionClosed = errors.New("session closed")

// Session is one PTY, its emulator, and the plumbing between them. The
// registry owns it exclusively; the exported timer and keep-alive fields
// are loop-thread state, while the emulator (guarded by Mu), the running
// flag, and the write queue are shared with the session's goroutines.
type Session struct {
	ID uint32

	Mu  sync.Mutex
	Emu term.Emulator

	// Loop-thread state managed by the registry.
	KeepAlive   bool
	LastRender  time.Time
	RenderTimer *loop.Task
	PipeTask    *loop.Task
	Exited      bool

	pty        *ptysup.PTY
	masterFD   int
	running    atomic.Bool
	sigR       *os.File
	sigRFD     int
	sigWFD     int
	readerEnd  chan struct{}
	writeCh    chan []byte
	writerQuit chan struct{}
	writerEnd  chan struct{}
	log        *logging.Logger
	metrics    *monitoring.Metrics
}

// New spawns command under a PTY and starts the reader and writer
// goroutines. metrics may be nil.
func New(id uint32, command string, rows, cols uint16, log *logging.Logger, metrics *monitoring.Metrics) (*Session, error) {
	p, err := ptysup.Spawn(command, rows, cols)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		p.Hangup()
		p.Close()
		return nil, fmt.Errorf("signal pipe: %w", err)
	}

	s := &Session{
		ID:         id,
		pty:        p,
		masterFD:   int(p.Master.Fd()),
		sigR:       os.NewFile(uintptr(fds[0]), "prise-wake"),
		sigRFD:     fds[0],
		sigWFD:     fds[1],
		readerEnd:  make(chan struct{}),
		writeCh:    make(chan []byte, writeQueueDepth),
		writerQuit: make(chan struct{}),
		writerEnd:  make(chan struct{}),
		log:        log.With(zap.Uint32("session", id)),
		metrics:    metrics,
	}
	s.Emu = term.NewVT(int(rows), int(cols), s.writeMasterIgnoringErr)

	// Fd() above detached the master from the runtime poller; flip it
	// back to non-blocking for the reader's raw read loop.
	unix.SetNonblock(s.masterFD, true)

	s.running.Store(true)
	go s.runReader()
	go s.runWriter()

	s.log.Info("session spawned",
		zap.Int("pid", p.Pid),
		zap.Uint16("rows", rows),
		zap.Uint16("cols", cols))
	return s, nil
}

// Pid returns the child process ID.
func (s *Session) Pid() int { return s.pty.Pid }

// SignalFile returns the read end of the signal pipe for loop registration.
func (s *Session) SignalFile() *os.File { return s.sigR }

// SignalFD returns the fd of the signal pipe read end. The *os.File
// stays registered with the runtime poller; the number only keys loop
// bookkeeping.
func (s *Session) SignalFD() int { return s.sigRFD }

// runReader is the per-session reader: non-blocking reads from the master,
// feeding the emulator under the mutex, one pipe poke per chunk unless the
// application is holding output synchronized. Exits on child EOF or an
// unrecoverable read error, then reaps the child.
func (s *Session) runReader() {
	buf := make([]byte, readChunk)
	for s.running.Load() {
		n, err := unix.Read(s.masterFD, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			time.Sleep(readBackoff)
			continue
		}
		if n <= 0 || err != nil {
			// 0-byte read or EIO: the child side is gone.
			if err != nil && err != unix.EIO {
				s.log.Warn("pty read failed", zap.Error(err))
			}
			break
		}

		if s.metrics != nil {
			s.metrics.PTYBytesRead.Add(float64(n))
		}

		s.Mu.Lock()
		s.Emu.Feed(buf[:n])
		synced := s.Emu.Synchronized()
		s.Mu.Unlock()

		if !synced {
			s.poke(WakeOutput)
		}
	}

	if err := s.pty.Reap(); err != nil {
		s.log.Debug("child exit", zap.Error(err))
	}
	s.poke(WakeExit)
	close(s.readerEnd)
}

// poke writes one byte to the signal pipe. A full pipe means a wake is
// already pending, so EAGAIN is ignored.
func (s *Session) poke(b byte) {
	for {
		_, err := unix.Write(s.sigWFD, []byte{b})
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// WriteInput queues client bytes for the PTY master. The write itself
// happens on the writer goroutine; callers (loop callbacks) never block.
func (s *Session) WriteInput(p []byte) error {
	return s.enqueueWrite(p)
}

// WriteKey encodes a key event under the session mutex (the encoding
// depends on current emulator modes) and queues it for the PTY master.
func (s *Session) WriteKey(ev term.KeyEvent) error {
	s.Mu.Lock()
	seq := s.Emu.EncodeKey(ev)
	s.Mu.Unlock()
	if len(seq) == 0 {
		return nil
	}
	return s.enqueueWrite(seq)
}

// enqueueWrite hands bytes to the writer goroutine without blocking.
func (s *Session) enqueueWrite(p []byte) error {
	if !s.running.Load() {
		return ErrSessionClosed
	}
	select {
	case s.writeCh <- p:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// runWriter drains queued input into the master. Blocking on a stopped
// or slow child stalls only this goroutine, never the event loop.
func (s *Session) runWriter() {
	defer close(s.writerEnd)
	for {
		select {
		case <-s.writerQuit:
			return
		case p := <-s.writeCh:
			if err := s.writeMaster(p); err != nil {
				s.log.Warn("pty write failed", zap.Error(err))
			}
		}
	}
}

// Resize updates the PTY window size and the emulator dimensions.
func (s *Session) Resize(rows, cols uint16) error {
	if err := s.pty.Resize(rows, cols); err != nil {
		return err
	}
	s.Mu.Lock()
	s.Emu.Resize(int(rows), int(cols))
	s.Mu.Unlock()
	return nil
}

func (s *Session) writeMaster(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(s.masterFD, p)
		if err == unix.EAGAIN {
			if !s.running.Load() {
				return ErrSessionClosed
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pty write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// writeMasterIgnoringErr is the emulator's query-response sink. It runs
// on the reader goroutine and routes through the writer queue so reply
// bytes stay ordered with client input.
func (s *Session) writeMasterIgnoringErr(p []byte) {
	if err := s.enqueueWrite(p); err != nil {
		s.log.Warn("query response dropped", zap.Error(err))
	}
}

// Destroy tears the session down synchronously: stop both goroutines,
// hang up the child, join the reader (which reaps) and the writer, then
// release the PTY and pipe fds. The caller cancels the pipe-read and
// render timer first.
func (s *Session) Destroy() {
	s.running.Store(false)
	close(s.writerQuit)
	s.pty.Hangup()

	select {
	case <-s.readerEnd:
	case <-time.After(500 * time.Millisecond):
		// Child ignored SIGHUP; force the reap so the join is bounded.
		if s.pty.Cmd.Process != nil {
			s.pty.Cmd.Process.Kill()
		}
		<-s.readerEnd
	}
	<-s.writerEnd

	s.pty.Close()
	s.sigR.Close()
	unix.Close(s.sigWFD)
	s.log.Info("session destroyed", zap.Int("pid", s.pty.Pid))
}
