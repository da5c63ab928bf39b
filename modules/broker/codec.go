package broker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ugorji/go/codec"
)

// maxFrameSize bounds a single CBOR frame so a corrupt or malicious
// length prefix can never trigger an unbounded allocation.
const maxFrameSize = 16 << 20

var handle = &codec.CborHandle{}

// Framer reads and writes the length-prefixed stream of CBOR-encoded
// messages the mTLS wire uses.
type Framer struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex // serializes writes in arrival order
}

func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{r: bufio.NewReader(rw), w: rw}
}

// ReadFrame blocks for the next length-prefixed CBOR payload and
// decodes it into v.
func (f *Framer) ReadFrame(v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("broker: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return err
	}
	return codec.NewDecoderBytes(buf, handle).Decode(v)
}

// WriteFrame encodes v as CBOR and writes it length-prefixed. Writes
// from concurrent goroutines are serialized so one peer's write
// channel never interleaves two messages.
func (f *Framer) WriteFrame(v any) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle).Encode(v); err != nil {
		return fmt.Errorf("broker: encode frame: %w", err)
	}
	if len(buf) > maxFrameSize {
		return fmt.Errorf("broker: encoded frame of %d bytes exceeds %d byte limit", len(buf), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.w.Write(buf)
	return err
}

// WriteJSON re-encodes a routing-layer JSON envelope as a CBOR frame.
// The Router marshals messages to JSON internally so write channels
// carry inert bytes; this helper is the one place where that internal
// form crosses back to the CBOR wire.
func (f *Framer) WriteJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("broker: reparse routed envelope: %w", err)
	}
	return f.WriteFrame(v)
}
