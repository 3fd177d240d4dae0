// Package wireproto implements the length-prefixed, canonical binary
// framing used for unary request/response RPCs over libp2p streams
// (spec §4.5, §6): [kind_tag][is_payment_bearing][length][payload].
package wireproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// KindTag identifies the record variant or RPC carried by a frame.
type KindTag byte

const (
	KindChunk KindTag = iota
	KindScratchpad
	KindPointer
	KindGraphEntry
	KindFindNode
	KindFindValue
	KindStore
)

// maxFrameSize bounds a single frame at 8 MiB, twice the largest
// permitted record (Scratchpad's 4 MiB default cap).
const maxFrameSize = 8 << 20

// Frame is one decoded message: a tag, a payment-bearing flag and an
// opaque payload whose interpretation depends on Kind.
type Frame struct {
	Kind             KindTag
	IsPaymentBearing bool
	Payload          []byte
}

// Encode writes f's canonical wire form to w:
// [kind_tag byte][is_payment_bearing byte][payload_len uint32 BE][payload].
func Encode(w io.Writer, f Frame) error {
	var header [6]byte
	header[0] = byte(f.Kind)
	if f.IsPaymentBearing {
		header[1] = 1
	}
	if len(f.Payload) > maxFrameSize {
		return fmt.Errorf("wireproto: payload of %d bytes exceeds max frame size %d", len(f.Payload), maxFrameSize)
	}
	binary.BigEndian.PutUint32(header[2:], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wireproto: write header: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wireproto: write payload: %w", err)
	}
	return nil
}

// Decode reads one Frame from r, rejecting frames over maxFrameSize to
// bound memory use against a misbehaving peer.
func Decode(r io.Reader) (Frame, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var header [6]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return Frame{}, fmt.Errorf("wireproto: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[2:])
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("wireproto: declared payload length %d exceeds max frame size %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return Frame{}, fmt.Errorf("wireproto: read payload: %w", err)
	}

	return Frame{
		Kind:             KindTag(header[0]),
		IsPaymentBearing: header[1] != 0,
		Payload:          payload,
	}, nil
}
