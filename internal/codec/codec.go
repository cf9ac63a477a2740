// Package codec implements the control-stream framing used by every wsh
// transport: a 4-byte big-endian length prefix followed by a CBOR payload,
// capped at 1 MiB.
package codec

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// MaxFrameSize is the maximum permitted payload length N in a frame
// [4-byte N][N bytes CBOR]. Frames whose declared length exceeds this
// value fail with wsherr.InvalidMessage and the connection must be torn
// down; the bound exists to stop amplification attacks.
const MaxFrameSize = 1 << 20 // 1 MiB

const lengthPrefixSize = 4

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode serializes v to CBOR and prepends the 4-byte big-endian length
// prefix. It fails with wsherr.Codec on marshal error and with
// wsherr.InvalidMessage if the encoded payload would exceed MaxFrameSize.
func Encode(v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Codec, "cbor encode", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "frame too large: %d bytes", len(payload))
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}

// Decode parses a single complete frame's CBOR payload (the bytes after
// the length prefix, as already extracted by a Decoder) into v.
func Decode(payload []byte, v any) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return wsherr.Wrap(wsherr.Codec, "cbor decode", err)
	}
	return nil
}

// FrameBytes wraps an already-CBOR-encoded payload (e.g. the output of
// protocol.Marshal) in the 4-byte big-endian length prefix, without
// re-marshaling it. This is what transport implementations use to frame
// envelopes that a higher layer has already serialized.
func FrameBytes(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "frame too large: %d bytes", len(payload))
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}

// Decoder is a streaming frame extractor: feed it arbitrarily chunked
// bytes (including one byte at a time, or an empty slice) and it yields
// complete frame payloads in order, retaining any trailing partial frame
// across calls.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the internal buffer and returns every complete
// frame payload (CBOR bytes, length prefix stripped) that can now be
// extracted, in order. Feeding nil or an empty slice is valid and returns
// any frames already fully buffered.
//
// A declared frame length greater than MaxFrameSize is a protocol
// violation: Feed returns wsherr.InvalidMessage and the caller must treat
// the connection as dead (the decoder's internal buffer is left
// unconsumed past the bad frame, matching "the connection is terminated").
func (d *Decoder) Feed(data []byte) ([][]byte, error) {
	if len(data) > 0 {
		d.buf = append(d.buf, data...)
	}

	var frames [][]byte
	for {
		if len(d.buf) < lengthPrefixSize {
			break
		}
		n := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if n > MaxFrameSize {
			return frames, wsherr.Newf(wsherr.InvalidMessage, "frame length %d exceeds max %d", n, MaxFrameSize)
		}
		total := lengthPrefixSize + int(n)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[lengthPrefixSize:total])
		frames = append(frames, payload)
		d.buf = d.buf[total:]
	}
	return frames, nil
}

// Pending returns the number of buffered-but-not-yet-decodable bytes.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset discards all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}
