package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
)

var ErrMalformed = errors.New("malformed payload")
var ErrUnknownType = errors.New("unknown event type")

// MaxString bounds every length-prefixed string on the wire.
const MaxString = 1024

// Encode writes the one-byte tag followed by the payload body.
func Encode(p Payload) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 32)}
	w.u8(uint8(p.Type()))
	p.encode(w)
	if w.err != nil {
		return nil, fmt.Errorf("encoding %s: %w", p.Type(), w.err)
	}
	return w.buf, nil
}

func Decode(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	t := Type(data[0])
	p := newPayload(t)
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
	r := &reader{buf: data[1:]}
	p.decode(r)
	if r.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", t, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decoding %s: %w: %d trailing bytes", t, ErrMalformed, len(r.buf))
	}
	return p, nil
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u16(v uint16)  { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) str(s string) {
	if len(s) > MaxString {
		w.err = fmt.Errorf("string of %d bytes exceeds %d", len(s), MaxString)
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) count(n int) {
	if n > math.MaxUint8 {
		w.err = fmt.Errorf("list of %d entries exceeds %d", n, math.MaxUint8)
		return
	}
	w.u8(uint8(n))
}

func (w *writer) transform(t geom.Transform) {
	w.f32(t.Origin.X)
	w.f32(t.Origin.Y)
	w.f32(t.Origin.Z)
	w.f32(t.Rotation.X)
	w.f32(t.Rotation.Y)
	w.f32(t.Rotation.Z)
	w.f32(t.Rotation.W)
}

// reader records the first short read; later reads return zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool {
	switch v := r.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: bool byte %d", ErrMalformed, v)
		}
		return false
	}
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) str() string {
	n := int(r.u16())
	if n > MaxString && r.err == nil {
		r.err = fmt.Errorf("%w: string of %d bytes", ErrMalformed, n)
	}
	return string(r.take(n))
}

func (r *reader) transform() geom.Transform {
	var t geom.Transform
	t.Origin.X = r.f32()
	t.Origin.Y = r.f32()
	t.Origin.Z = r.f32()
	t.Rotation.X = r.f32()
	t.Rotation.Y = r.f32()
	t.Rotation.Z = r.f32()
	t.Rotation.W = r.f32()
	return t
}
