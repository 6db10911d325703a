package session

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prise-term/prise/internal/logging"
	"github.com/prise-term/prise/internal/term"
)

// quietCat writes a helper script that disables tty echo and execs cat,
// giving tests byte-for-byte control over PTY output.
func quietCat(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quietcat")
	script := "#!/bin/sh\nstty -echo\nexec cat\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(1, quietCat(t), 24, 80, logging.NewNop(), nil)
	require.NoError(t, err)
	return s
}

// screenText polls the session until the emulator screen contains want.
func screenText(t *testing.T, s *Session, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		snap := s.Snapshot(true)
		var b strings.Builder
		for _, line := range snap.Lines {
			for _, c := range line.Cells {
				b.WriteString(c.Text)
			}
		}
		last = b.String()
		if strings.Contains(last, want) {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("screen never contained %q; last: %q", want, last)
	return ""
}

func TestWriteInputReachesEmulator(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.WriteInput([]byte("hello pty\n")))
	screenText(t, s, "hello pty", 3*time.Second)
}

func TestSignalPipeWakes(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.WriteInput([]byte("wake\n")))

	s.SignalFile().SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := s.SignalFile().Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	assert.Equal(t, WakeOutput, buf[0])
}

func TestExitWakeOnChildDeath(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	// EOF on stdin makes cat exit.
	require.NoError(t, s.WriteInput([]byte{0x04}))

	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 64)
	for {
		s.SignalFile().SetReadDeadline(deadline)
		n, err := s.SignalFile().Read(buf)
		require.NoError(t, err, "no exit wake before deadline")
		for _, b := range buf[:n] {
			if b == WakeExit {
				return
			}
		}
	}
}

func TestSnapshotIncrementalOnlyDirtyRows(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.WriteInput([]byte("top\n")))
	screenText(t, s, "top", 3*time.Second)

	// The full poll above cleared dirty state; a quiet screen yields an
	// empty incremental capture.
	snap := s.Snapshot(false)
	assert.False(t, snap.Full)
	assert.Empty(t, snap.Lines)

	require.NoError(t, s.WriteInput([]byte("more\n")))
	screenText(t, s, "more", 3*time.Second)
}

func TestSnapshotIsValueCopy(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.WriteInput([]byte("frozen\n")))
	screenText(t, s, "frozen", 3*time.Second)

	snap := s.Snapshot(true)
	require.NotEmpty(t, snap.Lines)
	before := snap.Lines[0].Cells[0].Text

	// Mutating the emulator afterwards must not show through.
	require.NoError(t, s.WriteInput([]byte("\x1b[2Jchanged\n")))
	screenText(t, s, "changed", 3*time.Second)
	assert.Equal(t, before, snap.Lines[0].Cells[0].Text)
}

func TestResizePropagates(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.Resize(40, 120))
	snap := s.Snapshot(false)
	assert.True(t, snap.Full, "resize promotes the next capture to full")
	assert.Equal(t, 40, snap.Rows)
	assert.Equal(t, 120, snap.Cols)
}

func TestDestroyReapsChild(t *testing.T) {
	s := newTestSession(t)
	pid := s.Pid()

	s.Destroy()

	// After a synchronous destroy the child is reaped: the pid no
	// longer exists (or at least is no longer our child).
	err := syscall.Kill(pid, 0)
	assert.Error(t, err)
}

func TestWriteAfterDestroyFails(t *testing.T) {
	s := newTestSession(t)
	s.Destroy()
	assert.ErrorIs(t, s.WriteInput([]byte("late")), ErrSessionClosed)
}

func TestKeyEncodingUnderMutex(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	require.NoError(t, s.WriteKey(term.KeyEvent{Key: "h"}))
	require.NoError(t, s.WriteKey(term.KeyEvent{Key: "i"}))
	require.NoError(t, s.WriteKey(term.KeyEvent{Key: "Enter"}))
	screenText(t, s, "hi", 3*time.Second)
}
