// Package protocol implements the wire contract between clients and the
// control server: length-delimited frames carrying CBOR payloads, the
// request/response envelope types, and the structured error model.
//
// Each frame is a 4-byte big-endian length prefix followed by exactly
// that many payload bytes. The payload is CBOR in Core Deterministic
// Encoding, so the same logical response always produces identical
// bytes. Framing errors that desynchronize the stream are fatal to the
// session; payload errors are recoverable per request.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 4

// DefaultMaxFrameSize bounds payload size when no limit is configured.
// A single oversized frame can otherwise force an arbitrary allocation.
const DefaultMaxFrameSize = 1 << 20

// Fatal framing errors. Once the length prefix itself cannot be
// trusted, the remaining stream position is meaningless and the session
// must close.
var (
	// ErrFrameTooLarge reports a length prefix above the configured
	// maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidLength reports a length prefix that reads as negative
	// when interpreted as a signed 32-bit value.
	ErrInvalidLength = errors.New("invalid frame length prefix")
)

// IsFatalFraming reports whether err invalidates the stream position,
// requiring the session to close rather than answer with an error frame.
func IsFatalFraming(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidLength)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Args values decode into any-typed targets; the CBOR default
		// map type allows non-string keys, which nothing downstream
		// can handle. Pin it to map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Decode integers as int64 where they fit, so a value
		// round-trips to the type callers wrote.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeFrame marshals payload and returns a complete frame: length
// prefix plus CBOR body. Fails if the encoded payload exceeds max
// (0 means DefaultMaxFrameSize).
func EncodeFrame(payload any, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	body, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame payload: %w", err)
	}
	if len(body) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), max)
	}
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// Decoder reassembles frames from a byte stream. Feed it chunks in
// arrival order; Next returns complete payloads as they become
// available. A frame split across reads is held until its remaining
// bytes arrive; leftover bytes stay buffered for the next call.
type Decoder struct {
	max int
	buf []byte
}

// NewDecoder creates a Decoder enforcing the given maximum payload
// size (0 means DefaultMaxFrameSize).
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{max: maxFrameSize}
}

// Feed appends the next chunk of stream bytes to the reassembly buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Next returns the payload of the next complete frame, or nil when more
// bytes are needed. A returned error is fatal to the stream: the length
// prefix is untrustworthy and resynchronization is impossible.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < LengthPrefixSize {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(d.buf)
	if length > 1<<31-1 {
		return nil, fmt.Errorf("%w: high bit set", ErrInvalidLength)
	}
	if int(length) > d.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.max)
	}
	total := LengthPrefixSize + int(length)
	if len(d.buf) < total {
		return nil, nil
	}
	payload := make([]byte, length)
	copy(payload, d.buf[LengthPrefixSize:total])
	d.buf = d.buf[total:]
	return payload, nil
}

// Buffered returns the number of unconsumed bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// DecodeRequest parses a frame payload into a Request. A parse or
// validation failure returns an Error of kind MalformedFrame; the
// partially decoded request is returned alongside it so the caller can
// echo the request id when one was present.
func DecodeRequest(payload []byte) (*Request, *Error) {
	var req Request
	if err := decMode.Unmarshal(payload, &req); err != nil {
		return nil, NewError(KindMalformedFrame, "undecodable request payload: %v", err)
	}
	if req.RequestID == "" {
		return &req, NewError(KindMalformedFrame, "request_id is required")
	}
	if req.Plugin == "" {
		return &req, NewError(KindMalformedFrame, "plugin is required")
	}
	if req.Command == "" {
		return &req, NewError(KindMalformedFrame, "command is required")
	}
	if req.DeadlineMS < 0 {
		return &req, NewError(KindMalformedFrame, "deadline_ms must not be negative")
	}
	return &req, nil
}

// DecodeAuth parses the session's authentication frame.
func DecodeAuth(payload []byte) (*AuthRequest, *Error) {
	var req AuthRequest
	if err := decMode.Unmarshal(payload, &req); err != nil {
		return nil, NewError(KindMalformedFrame, "undecodable auth payload: %v", err)
	}
	if req.RequestID == "" {
		return &req, NewError(KindMalformedFrame, "request_id is required")
	}
	if req.ClientID == "" || req.Token == "" {
		return &req, NewError(KindMalformedFrame, "client_id and token are required")
	}
	return &req, nil
}

// DecodeResponse parses a frame payload into a Response. Used by
// clients and tests; the server only encodes responses.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := decMode.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode response payload: %w", err)
	}
	if resp.Status != StatusOK && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid response status %q", resp.Status)
	}
	if resp.Status == StatusError && resp.Err == nil {
		return nil, fmt.Errorf("error response missing error detail")
	}
	return &resp, nil
}

// FrameWriter serializes outbound frames onto one stream. Concurrent
// invocations complete in arbitrary order, but each frame is written
// whole: no interleaved partial frames.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewFrameWriter wraps w with a frame encoder enforcing max payload
// size (0 means DefaultMaxFrameSize).
func NewFrameWriter(w io.Writer, maxFrameSize int) *FrameWriter {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, max: maxFrameSize}
}

// WriteResponse encodes resp and writes it as one frame.
func (fw *FrameWriter) WriteResponse(resp *Response) error {
	frame, err := EncodeFrame(resp, fw.max)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
