package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// frameKind tags a frame on a TCP link.
type frameKind byte

const (
	frameData  frameKind = 1
	frameAbort frameKind = 2
)

// frameHeaderSize is kind (1 byte) plus big-endian payload length (4 bytes).
const frameHeaderSize = 5

// MaxFramePayload bounds a decompressed payload and a compressed frame body.
const MaxFramePayload = 1 << 30

// ErrFrame is returned for malformed frames.
var ErrFrame = errors.New("cluster: malformed frame")

// frameCodec compresses payloads with zstd. EncodeAll and DecodeAll are safe
// for concurrent use, so one codec serves every link of a comm.
type frameCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newFrameCodec() (*frameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("cluster: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFramePayload))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("cluster: zstd decoder: %w", err)
	}
	return &frameCodec{enc: enc, dec: dec}, nil
}

func (c *frameCodec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// writeFrame writes one frame in a single Write call. An empty payload is
// sent with length 0 and no zstd frame.
func (c *frameCodec) writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFrame, len(payload), MaxFramePayload)
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)/2+64)
	buf[0] = byte(kind)
	if len(payload) > 0 {
		buf = c.enc.EncodeAll(payload, buf)
	}
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(buf)-frameHeaderSize))
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame and returns its kind and decompressed payload.
func (c *frameCodec) readFrame(r io.Reader) (frameKind, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := frameKind(hdr[0])
	if kind != frameData && kind != frameAbort {
		return 0, nil, fmt.Errorf("%w: unknown kind %d", ErrFrame, hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrFrame, n, MaxFramePayload)
	}
	if n == 0 {
		return kind, []byte{}, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	payload, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrFrame, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return kind, payload, nil
}
