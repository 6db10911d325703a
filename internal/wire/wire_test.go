package wire

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, data []byte) []*Message {
	t.Helper()
	var dec Decoder
	dec.Feed(data)
	var out []*Message
	for {
		m, err := dec.Next()
		require.NoError(t, err)
		if m == nil {
			return out
		}
		out = append(out, m)
	}
}

func TestDecodeRequest(t *testing.T) {
	data, err := EncodeRequest(7, "spawn_pty", []any{24, 80})
	require.NoError(t, err)

	msgs := decodeAll(t, data)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, TypeRequest, m.Type)
	assert.Equal(t, uint32(7), m.MsgID)
	assert.Equal(t, "spawn_pty", m.Method)

	var params []int
	require.NoError(t, cbor.Unmarshal(m.Params, &params))
	assert.Equal(t, []int{24, 80}, params)
}

func TestDecodeResponseSuccessAndError(t *testing.T) {
	ok, err := EncodeResponse(1, "", "pong")
	require.NoError(t, err)
	fail, err := EncodeResponse(2, "session not found", nil)
	require.NoError(t, err)

	msgs := decodeAll(t, append(ok, fail...))
	require.Len(t, msgs, 2)

	assert.Equal(t, TypeResponse, msgs[0].Type)
	assert.Equal(t, uint32(1), msgs[0].MsgID)
	assert.Empty(t, msgs[0].Err)
	var result string
	require.NoError(t, cbor.Unmarshal(msgs[0].Result, &result))
	assert.Equal(t, "pong", result)

	assert.Equal(t, uint32(2), msgs[1].MsgID)
	assert.Equal(t, "session not found", msgs[1].Err)
}

func TestDecodeNotification(t *testing.T) {
	data, err := EncodeNotification("redraw", []any{[]any{"flush", []any{}}})
	require.NoError(t, err)

	msgs := decodeAll(t, data)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeNotification, msgs[0].Type)
	assert.Equal(t, "redraw", msgs[0].Method)
	assert.Equal(t, uint32(0), msgs[0].MsgID)
}

func TestRoundTrip(t *testing.T) {
	encoded := [][]byte{}
	for _, enc := range []func() ([]byte, error){
		func() ([]byte, error) { return EncodeRequest(1, "ping", []any{}) },
		func() ([]byte, error) { return EncodeRequest(0xffffffff, "write_pty", []any{0, []byte{0x1b, 'c'}}) },
		func() ([]byte, error) { return EncodeResponse(3, "", uint64(12)) },
		func() ([]byte, error) { return EncodeResponse(4, "write failed", nil) },
		func() ([]byte, error) { return EncodeNotification("key_input", []any{0, map[string]any{"key": "a"}}) },
	} {
		data, err := enc()
		require.NoError(t, err)
		encoded = append(encoded, data)
	}

	for _, data := range encoded {
		var dec Decoder
		dec.Feed(data)
		m, err := dec.Next()
		require.NoError(t, err)
		require.NotNil(t, m)

		again, err := Encode(m)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	}
}

func TestPartialMessageAcrossReads(t *testing.T) {
	data, err := EncodeRequest(9, "attach_pty", []any{3})
	require.NoError(t, err)

	var dec Decoder
	for i := 0; i < len(data)-1; i++ {
		dec.Feed(data[i : i+1])
		m, err := dec.Next()
		require.NoError(t, err)
		assert.Nil(t, m, "message complete after %d of %d bytes", i+1, len(data))
	}
	dec.Feed(data[len(data)-1:])
	m, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "attach_pty", m.Method)
}

func TestTrailingBytesKept(t *testing.T) {
	first, err := EncodeRequest(1, "ping", []any{})
	require.NoError(t, err)
	second, err := EncodeRequest(2, "ping", []any{})
	require.NoError(t, err)

	var dec Decoder
	// Deliver one and a half messages, then the remainder.
	stream := append(append([]byte{}, first...), second...)
	split := len(first) + 2
	dec.Feed(stream[:split])

	m, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint32(1), m.MsgID)

	m, err = dec.Next()
	require.NoError(t, err)
	assert.Nil(t, m)

	dec.Feed(stream[split:])
	m, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint32(2), m.MsgID)
}

func TestMalformedTupleRecovers(t *testing.T) {
	bad, err := cbor.Marshal([]any{9, "not-a-message"})
	require.NoError(t, err)
	good, err := EncodeRequest(5, "ping", []any{})
	require.NoError(t, err)

	var dec Decoder
	dec.Feed(append(bad, good...))

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrMalformedMessage)

	// The malformed value was consumed; the next message decodes.
	m, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint32(5), m.MsgID)
}

func TestMalformedShapes(t *testing.T) {
	cases := []any{
		"just a string",
		[]any{42, 1, "x", nil},         // unknown tag
		[]any{0, 1, "x"},               // request must be a 4-tuple
		[]any{2, "m", nil, "extra"},    // notification must be a 3-tuple
		[]any{"0", 1, "x", nil},        // non-integer tag
		map[string]any{"type": "ping"}, // not a tuple at all
	}
	for _, c := range cases {
		data, err := cbor.Marshal(c)
		require.NoError(t, err)
		var dec Decoder
		dec.Feed(data)
		_, err = dec.Next()
		assert.ErrorIs(t, err, ErrMalformedMessage, "case %v", c)
	}
}
