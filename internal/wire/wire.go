// Package wire implements the daemon's RPC wire format: self-delimiting
// CBOR values carrying typed message tuples over a local stream socket.
//
// Three message shapes, distinguished by a leading integer tag:
//
//	[0, msgid, method, params]  request
//	[1, msgid, error, result]   response (error nil on success)
//	[2, method, params]         notification
//
// Each message is a single top-level CBOR array; the value format supplies
// its own framing, so the transport just accumulates bytes and asks the
// decoder for the next complete message.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Message type tags.
const (
	TypeRequest      = 0
	TypeResponse     = 1
	TypeNotification = 2
)

// ErrMalformedMessage reports a well-formed CBOR value that is not a valid
// message tuple. The framing is still recoverable: the offending value has
// been consumed and decoding may continue.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one decoded RPC message. Params and Result stay raw so the
// dispatcher can unmarshal them per method.
type Message struct {
	Type   int
	MsgID  uint32          // request, response
	Method string          // request, notification
	Params cbor.RawMessage // request, notification
	Err    string          // response; "" means the error field was nil
	Result cbor.RawMessage // response
}

// Decoder accumulates stream bytes and yields complete messages. A read
// that delivers half a message is not an error; the partial bytes are kept
// and combined with subsequent Feed calls.
type Decoder struct {
	buf []byte
}

// Feed appends freshly received bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of undecoded bytes held.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message, or (nil, nil) when the buffer
// does not yet hold one. A well-formed value that is not a valid message
// tuple is consumed and reported as ErrMalformedMessage.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) == 0 {
		return nil, nil
	}
	var raw cbor.RawMessage
	rest, err := cbor.UnmarshalFirst(d.buf, &raw)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil // incomplete; wait for more bytes
		}
		// Undecodable prefix. The stream cannot be resynchronized.
		d.buf = nil
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	d.buf = d.buf[len(d.buf)-len(rest):]

	msg, err := parse(raw)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func parse(raw cbor.RawMessage) (*Message, error) {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: top-level value is not an array", ErrMalformedMessage)
	}
	if len(elems) != 3 && len(elems) != 4 {
		return nil, fmt.Errorf("%w: %d-tuple", ErrMalformedMessage, len(elems))
	}
	var tag int
	if err := cbor.Unmarshal(elems[0], &tag); err != nil {
		return nil, fmt.Errorf("%w: non-integer type tag", ErrMalformedMessage)
	}

	switch tag {
	case TypeRequest:
		if len(elems) != 4 {
			return nil, fmt.Errorf("%w: request is not a 4-tuple", ErrMalformedMessage)
		}
		m := &Message{Type: TypeRequest, Params: elems[3]}
		if err := cbor.Unmarshal(elems[1], &m.MsgID); err != nil {
			return nil, fmt.Errorf("%w: bad msgid", ErrMalformedMessage)
		}
		if err := cbor.Unmarshal(elems[2], &m.Method); err != nil {
			return nil, fmt.Errorf("%w: bad method", ErrMalformedMessage)
		}
		return m, nil
	case TypeResponse:
		if len(elems) != 4 {
			return nil, fmt.Errorf("%w: response is not a 4-tuple", ErrMalformedMessage)
		}
		m := &Message{Type: TypeResponse, Result: elems[3]}
		if err := cbor.Unmarshal(elems[1], &m.MsgID); err != nil {
			return nil, fmt.Errorf("%w: bad msgid", ErrMalformedMessage)
		}
		var errStr *string
		if err := cbor.Unmarshal(elems[2], &errStr); err != nil {
			return nil, fmt.Errorf("%w: bad error field", ErrMalformedMessage)
		}
		if errStr != nil {
			m.Err = *errStr
		}
		return m, nil
	case TypeNotification:
		if len(elems) != 3 {
			return nil, fmt.Errorf("%w: notification is not a 3-tuple", ErrMalformedMessage)
		}
		m := &Message{Type: TypeNotification, Params: elems[2]}
		if err := cbor.Unmarshal(elems[1], &m.Method); err != nil {
			return nil, fmt.Errorf("%w: bad method", ErrMalformedMessage)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedMessage, tag)
	}
}

// EncodeRequest encodes [0, msgid, method, params].
func EncodeRequest(msgid uint32, method string, params any) ([]byte, error) {
	return cbor.Marshal([]any{TypeRequest, msgid, method, params})
}

// EncodeResponse encodes [1, msgid, error, result]. An empty errStr encodes
// the error field as nil.
func EncodeResponse(msgid uint32, errStr string, result any) ([]byte, error) {
	var errField any
	if errStr != "" {
		errField = errStr
	}
	return cbor.Marshal([]any{TypeResponse, msgid, errField, result})
}

// EncodeNotification encodes [2, method, params].
func EncodeNotification(method string, params any) ([]byte, error) {
	return cbor.Marshal([]any{TypeNotification, method, params})
}

// Encode re-encodes a decoded message. Round-tripping a message through
// Decoder and Encode yields byte-identical output for canonical input.
func Encode(m *Message) ([]byte, error) {
	switch m.Type {
	case TypeRequest:
		return EncodeRequest(m.MsgID, m.Method, m.Params)
	case TypeResponse:
		var result any
		if m.Result != nil {
			result = m.Result
		}
		return EncodeResponse(m.MsgID, m.Err, result)
	case TypeNotification:
		return EncodeNotification(m.Method, m.Params)
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedMessage, m.Type)
	}
}
