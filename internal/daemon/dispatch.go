package daemon

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/prise-term/prise/internal/loop"
	"github.com/prise-term/prise/internal/redraw"
	"github.com/prise-term/prise/internal/session"
	"github.com/prise-term/prise/internal/term"
	"github.com/prise-term/prise/internal/wire"
)

// Dispatcher error strings surfaced on the response error field.
const (
	errSessionNotFound = "session not found"
	errInvalidParams   = "invalid params"
	errWriteFailed     = "write failed"
	errResizeFailed    = "resize failed"
	errUnknownMethod   = "unknown method"
)

func (d *Daemon) dispatch(c *Client, m *wire.Message) {
	switch m.Type {
	case wire.TypeRequest:
		d.handleRequest(c, m)
	case wire.TypeNotification:
		d.handleNotification(c, m)
	default:
		// Clients have no reason to send responses; drop them.
		d.log.Debug("ignoring response from client", zap.Int("fd", c.fd))
	}
}

func (d *Daemon) handleRequest(c *Client, m *wire.Message) {
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(m.Method).Inc()
	}
	result, errStr, after := d.callMethod(c, m.Method, m.Params)
	if errStr != "" && d.metrics != nil {
		d.metrics.RequestErrors.WithLabelValues(m.Method).Inc()
	}
	payload, err := wire.EncodeResponse(m.MsgID, errStr, result)
	if err != nil {
		d.log.Error("encode response", zap.String("method", m.Method), zap.Error(err))
		return
	}
	d.sendData(c, payload)
	if after != nil {
		// Side effects that must trail the response, like the full
		// redraw replayed on attach.
		after()
	}
}

// callMethod runs one request and returns (result, errorString, after).
// Errors are surfaced uniformly on the response error field; the result
// is nil on failure. A non-nil after runs once the response is queued.
func (d *Daemon) callMethod(c *Client, method string, params cbor.RawMessage) (any, string, func()) {
	switch method {
	case "ping":
		return "pong", "", nil

	case "spawn_pty":
		rows, cols := d.cfg.PTY.Rows, d.cfg.PTY.Cols
		var dims []int
		if err := cbor.Unmarshal(params, &dims); err == nil {
			if len(dims) > 0 && dims[0] > 0 {
				rows = uint16(dims[0])
			}
			if len(dims) > 1 && dims[1] > 0 {
				cols = uint16(dims[1])
			}
		}
		s, err := d.spawnSession(rows, cols)
		if err != nil {
			d.log.Error("spawn failed", zap.Error(err))
			return nil, err.Error(), nil
		}
		return s.ID, "", nil

	case "attach_pty":
		sid, ok := paramSessionID(params)
		if !ok {
			return nil, errInvalidParams, nil
		}
		s, found := d.sessions[sid]
		if !found {
			return nil, errSessionNotFound, nil
		}
		// Flush any pending frame to the current attachment set first:
		// the full capture below clears the dirty flags, which would
		// otherwise swallow rows an armed timer still owes them.
		if s.RenderTimer != nil {
			s.RenderTimer.Cancel()
			s.RenderTimer = nil
		}
		d.renderSession(s)
		// Attaching twice is a no-op that still replays a full redraw.
		c.attach(sid)
		return sid, "", func() { d.sendRedraw(c, s, s.Snapshot(true)) }

	case "detach_pty":
		var args []uint64
		if err := cbor.Unmarshal(params, &args); err != nil || len(args) != 2 {
			return nil, errInvalidParams, nil
		}
		sid := uint32(args[0])
		s, found := d.sessions[sid]
		if !found {
			return nil, errSessionNotFound, nil
		}
		// client_fd names the connection to detach. Fd numbers are not
		// shared between the two ends of the socket, so an unknown fd
		// resolves to the caller.
		peer, found := d.clients[int(args[1])]
		if !found {
			peer = c
		}
		// Explicit detach opts the session into persistence.
		s.KeepAlive = true
		peer.detach(sid)
		return nil, "", nil

	case "write_pty":
		sid, data, ok := paramWrite(params)
		if !ok {
			return nil, errInvalidParams, nil
		}
		s, found := d.sessions[sid]
		if !found {
			return nil, errSessionNotFound, nil
		}
		if err := s.WriteInput(data); err != nil {
			d.log.Warn("pty write failed", zap.Uint32("session", sid), zap.Error(err))
			return nil, errWriteFailed, nil
		}
		if d.metrics != nil {
			d.metrics.PTYBytesWritten.Add(float64(len(data)))
		}
		return nil, "", nil

	case "resize_pty":
		sid, rows, cols, ok := paramResize(params)
		if !ok {
			return nil, errInvalidParams, nil
		}
		s, found := d.sessions[sid]
		if !found {
			return nil, errSessionNotFound, nil
		}
		if err := s.Resize(rows, cols); err != nil {
			d.log.Warn("pty resize failed", zap.Uint32("session", sid), zap.Error(err))
			return nil, errResizeFailed, nil
		}
		// The resize marked the screen dirty; surface it without
		// waiting for child output.
		d.scheduleRender(s)
		return nil, "", nil

	case "kill_pty":
		sid, ok := paramSessionID(params)
		if !ok {
			return nil, errInvalidParams, nil
		}
		s, found := d.sessions[sid]
		if !found {
			return nil, errSessionNotFound, nil
		}
		d.destroySession(s, true)
		return nil, "", nil

	case "list_sessions":
		out := make([]any, 0, len(d.sessions))
		for _, s := range d.sessions {
			rows, cols := func() (int, int) {
				s.Mu.Lock()
				defer s.Mu.Unlock()
				return s.Emu.Size()
			}()
			out = append(out, []any{s.ID, rows, cols, len(d.attachedClients(s.ID)), s.KeepAlive})
		}
		return out, "", nil

	default:
		return nil, errUnknownMethod, nil
	}
}

// keyInput mirrors the W3C key notation map of the key_input notification.
type keyInput struct {
	Key   string `cbor:"key"`
	Code  string `cbor:"code"`
	Shift bool   `cbor:"shiftKey"`
	Ctrl  bool   `cbor:"ctrlKey"`
	Alt   bool   `cbor:"altKey"`
	Meta  bool   `cbor:"metaKey"`
}

func (d *Daemon) handleNotification(c *Client, m *wire.Message) {
	switch m.Method {
	case "write_pty":
		sid, data, ok := paramWrite(m.Params)
		if !ok {
			return
		}
		if s, found := d.sessions[sid]; found {
			if err := s.WriteInput(data); err != nil {
				d.log.Warn("pty write failed", zap.Uint32("session", sid), zap.Error(err))
			} else if d.metrics != nil {
				d.metrics.PTYBytesWritten.Add(float64(len(data)))
			}
		}

	case "key_input":
		var raw []cbor.RawMessage
		if err := cbor.Unmarshal(m.Params, &raw); err != nil || len(raw) != 2 {
			return
		}
		var sid uint32
		var ev keyInput
		if cbor.Unmarshal(raw[0], &sid) != nil || cbor.Unmarshal(raw[1], &ev) != nil {
			return
		}
		if s, found := d.sessions[sid]; found {
			err := s.WriteKey(term.KeyEvent{
				Key: ev.Key, Code: ev.Code,
				Shift: ev.Shift, Ctrl: ev.Ctrl, Alt: ev.Alt, Meta: ev.Meta,
			})
			if err != nil {
				d.log.Warn("key write failed", zap.Uint32("session", sid), zap.Error(err))
			}
		}

	case "resize_pty":
		sid, rows, cols, ok := paramResize(m.Params)
		if !ok {
			return
		}
		if s, found := d.sessions[sid]; found {
			if err := s.Resize(rows, cols); err != nil {
				d.log.Warn("pty resize failed", zap.Uint32("session", sid), zap.Error(err))
			} else {
				d.scheduleRender(s)
			}
		}

	default:
		d.log.Debug("unknown notification", zap.String("method", m.Method))
	}
}

// --- session lifecycle ---

func (d *Daemon) spawnSession(rows, cols uint16) (*session.Session, error) {
	id := d.nextSID
	s, err := session.New(id, d.cfg.PTY.Shell, rows, cols, d.log, d.metrics)
	if err != nil {
		return nil, err
	}
	d.nextSID++
	d.sessions[id] = s
	d.armPipeRead(s)
	if d.metrics != nil {
		d.metrics.SessionsActive.Inc()
		d.metrics.SessionsSpawned.Inc()
	}
	return s, nil
}

// armPipeRead keeps one read outstanding on the session's signal pipe.
// Each completion drains coalesced wakes and schedules a frame.
func (d *Daemon) armPipeRead(s *session.Session) {
	buf := make([]byte, 256)
	var arm func()
	arm = func() {
		s.PipeTask = d.loop.Read(s.SignalFD(), s.SignalFile(), buf, func(res loop.Result) {
			s.PipeTask = nil
			if res.Err != nil {
				// Cancelled during teardown.
				return
			}
			for _, b := range buf[:res.N] {
				if b == session.WakeExit {
					d.handleSessionExit(s)
					return
				}
			}
			d.scheduleRender(s)
			arm()
		})
	}
	arm()
}

// scheduleRender coalesces wakes into frames at the configured cadence:
// render now when the last frame is old enough, otherwise arm a one-shot
// timer for the remainder; a pending timer already covers this wake.
func (d *Daemon) scheduleRender(s *session.Session) {
	if s.RenderTimer != nil {
		return
	}
	interval := d.cfg.Render.FrameInterval
	delta := time.Since(s.LastRender)
	if delta >= interval {
		d.renderSession(s)
		return
	}
	s.RenderTimer = d.loop.Timeout(interval-delta, func(res loop.Result) {
		s.RenderTimer = nil
		if res.Err != nil {
			return
		}
		d.renderSession(s)
	})
}

// renderSession captures one frame and multicasts per-client redraw
// notifications.
func (d *Daemon) renderSession(s *session.Session) {
	s.LastRender = time.Now()
	attached := d.attachedClients(s.ID)
	if len(attached) == 0 {
		// Nobody to notify; leave dirty state to accumulate for the
		// next attach.
		return
	}
	snap := s.Snapshot(false)
	if d.metrics != nil {
		d.metrics.FramesRendered.Inc()
	}
	for _, c := range attached {
		d.sendRedraw(c, s, snap)
	}
}

func (d *Daemon) sendRedraw(c *Client, s *session.Session, snap *term.Snapshot) {
	events, defined := redraw.Build(snap, s.ID, c.seenStyles)
	payload, err := wire.EncodeNotification("redraw", events)
	if err != nil {
		d.log.Error("encode redraw", zap.Uint32("session", s.ID), zap.Error(err))
		return
	}
	d.sendData(c, payload)
	for _, id := range defined {
		c.seenStyles[id] = struct{}{}
	}
	if d.metrics != nil {
		d.metrics.RedrawsSent.Inc()
		d.metrics.RedrawBytes.Add(float64(len(payload)))
	}
}

// handleSessionExit runs when the reader signals child exit: deliver the
// final frame, tell attached clients, then destroy.
func (d *Daemon) handleSessionExit(s *session.Session) {
	if s.Exited {
		return
	}
	s.Exited = true
	d.renderSession(s)
	d.destroySession(s, true)
}

// destroySession cancels the session's loop operations, optionally sends
// session_exit to attached clients, and tears the session down.
func (d *Daemon) destroySession(s *session.Session, notify bool) {
	if _, found := d.sessions[s.ID]; !found {
		return
	}
	delete(d.sessions, s.ID)

	if s.PipeTask != nil {
		s.PipeTask.Cancel()
		s.PipeTask = nil
	}
	if s.RenderTimer != nil {
		s.RenderTimer.Cancel()
		s.RenderTimer = nil
	}

	if notify {
		for _, c := range d.attachedClients(s.ID) {
			d.notify(c, "session_exit", []any{s.ID})
		}
	}
	for _, c := range d.clients {
		c.detach(s.ID)
	}

	s.Destroy()
	if d.metrics != nil {
		d.metrics.SessionsActive.Dec()
	}
}

// --- param decoding ---

func paramSessionID(params cbor.RawMessage) (uint32, bool) {
	var args []uint64
	if err := cbor.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return 0, false
	}
	return uint32(args[0]), true
}

func paramWrite(params cbor.RawMessage) (uint32, []byte, bool) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(params, &raw); err != nil || len(raw) != 2 {
		return 0, nil, false
	}
	var sid uint32
	if cbor.Unmarshal(raw[0], &sid) != nil {
		return 0, nil, false
	}
	var data []byte
	if cbor.Unmarshal(raw[1], &data) != nil {
		// Writers may send text instead of a binary blob.
		var text string
		if cbor.Unmarshal(raw[1], &text) != nil {
			return 0, nil, false
		}
		data = []byte(text)
	}
	return sid, data, true
}

func paramResize(params cbor.RawMessage) (uint32, uint16, uint16, bool) {
	var args []uint64
	if err := cbor.Unmarshal(params, &args); err != nil || len(args) != 3 {
		return 0, 0, 0, false
	}
	if args[1] == 0 || args[1] > 0xffff || args[2] == 0 || args[2] > 0xffff {
		return 0, 0, 0, false
	}
	return uint32(args[0]), uint16(args[1]), uint16(args[2]), true
}
