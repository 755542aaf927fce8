package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// headerSize is the fixed part of the frame header: the u16 segment count and the u32 text length.
const headerSize = 6

// DefaultMaxFrame is the largest frame (header included) accepted by default.
const DefaultMaxFrame = 64 << 20

// MaxFrameHardLimit caps any configured limit.
const MaxFrameHardLimit = 256 << 20

// Limits bounds what a transport will read or write.
type Limits struct {
	MaxFrame int
}

func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

func (l Limits) maxFrame() int {
	if l.MaxFrame <= 0 || l.MaxFrame > MaxFrameHardLimit {
		return MaxFrameHardLimit
	}
	return l.MaxFrame
}

// Frame is one physical message: a JSON text segment plus an ordered list of binary attachments.
type Frame struct {
	Text  json.RawMessage
	Blobs [][]byte
}

// FramingError reports a malformed or oversized frame.
// It is fatal to the connection that produced it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func framingErrorf(format string, args ...any) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeFrame marshals v to JSON and lays it out together with blobs as
//
//	[u16 len(blobs)+1][u32 len(text)][u32 len(blob)]*len(blobs)[text][blobs...]
//
// with all integers big-endian.
func EncodeFrame(v any, blobs [][]byte) ([]byte, error) {
	return encodeFrame(0, v, blobs)
}

// encodeFrame encodes the frame after reserve zeroed bytes, so that callers can fill in an outer prefix
// without a second allocation.
func encodeFrame(reserve int, v any, blobs [][]byte) ([]byte, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame text: %w", err)
	}
	if len(blobs)+1 > math.MaxUint16 {
		return nil, framingErrorf("too many attachments: %d", len(blobs))
	}
	if uint64(len(text)) > math.MaxUint32 {
		return nil, framingErrorf("text segment too large: %d bytes", len(text))
	}

	size := uint64(reserve + headerSize + 4*len(blobs) + len(text))
	for _, b := range blobs {
		if uint64(len(b)) > math.MaxUint32 {
			return nil, framingErrorf("attachment too large: %d bytes", len(b))
		}
		size += uint64(len(b))
	}
	if size > MaxFrameHardLimit+uint64(reserve) {
		return nil, framingErrorf("frame size %d exceeds hard limit %d", size, MaxFrameHardLimit)
	}

	buf := make([]byte, size)
	off := reserve
	binary.BigEndian.PutUint16(buf[off:], uint16(len(blobs)+1))
	binary.BigEndian.PutUint32(buf[off+2:], uint32(len(text)))
	off += headerSize
	for _, b := range blobs {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(b)))
		off += 4
	}
	off += copy(buf[off:], text)
	for _, b := range blobs {
		off += copy(buf[off:], b)
	}
	return buf, nil
}

// DecodeFrame decodes a complete frame. The buffer must contain exactly one frame; the returned
// segments alias b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < headerSize {
		return nil, framingErrorf("short header: %d bytes", len(b))
	}
	count, textLen, err := parseHeader(b[:headerSize])
	if err != nil {
		return nil, err
	}
	off := headerSize
	if len(b)-off < 4*count {
		return nil, framingErrorf("header declares %d attachments but only %d bytes follow", count, len(b)-off)
	}
	lengths, total := parseLengths(b[off:off+4*count], textLen)
	off += 4 * count

	available := uint64(len(b) - off)
	if total > available {
		return nil, framingErrorf("header declares %d payload bytes, only %d available", total, available)
	}
	if total < available {
		return nil, framingErrorf("%d trailing bytes after frame", available-total)
	}
	return sliceSegments(b[off:], textLen, lengths)
}

// ReadFrame reads one self-delimiting frame from a byte stream. It returns io.EOF only when the
// stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, limits Limits) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count, textLen, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if headerSize+4*count > limits.maxFrame() {
		return nil, framingErrorf("header declares %d attachments", count)
	}
	lenBuf := make([]byte, 4*count)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, unexpectedEOF(err)
	}
	lengths, total := parseLengths(lenBuf, textLen)
	if size := uint64(headerSize+len(lenBuf)) + total; size > uint64(limits.maxFrame()) {
		return nil, framingErrorf("frame size %d exceeds limit %d", size, limits.maxFrame())
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	return sliceSegments(body, textLen, lengths)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func parseHeader(hdr []byte) (int, uint32, error) {
	segments := binary.BigEndian.Uint16(hdr[0:2])
	if segments == 0 {
		return 0, 0, framingErrorf("segment count must include the text segment")
	}
	return int(segments) - 1, binary.BigEndian.Uint32(hdr[2:6]), nil
}

func parseLengths(b []byte, textLen uint32) ([]uint32, uint64) {
	total := uint64(textLen)
	lengths := make([]uint32, len(b)/4)
	for i := range lengths {
		lengths[i] = binary.BigEndian.Uint32(b[4*i:])
		total += uint64(lengths[i])
	}
	return lengths, total
}

func sliceSegments(body []byte, textLen uint32, lengths []uint32) (*Frame, error) {
	text := body[:textLen]
	if !json.Valid(text) {
		return nil, framingErrorf("text segment is not valid JSON")
	}
	off := int(textLen)
	blobs := make([][]byte, len(lengths))
	for i, l := range lengths {
		blobs[i] = body[off : off+int(l) : off+int(l)]
		off += int(l)
	}
	return &Frame{Text: json.RawMessage(text), Blobs: blobs}, nil
}
