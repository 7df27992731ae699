package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Minimal subset of the Erlang external term format: enough to round-trip
// the {payload, issued_at, ttl} tuple the device-side verifier expects.
const (
	etfVersion      = 131
	etfSmallTuple   = 104
	etfBinary       = 109
	etfSmallInteger = 97
	etfInteger      = 98
	etfSmallBig     = 110
	etfLargeBig     = 111
)

// ErrTermTooLarge is the single fatal encoding limit: a binary or big
// integer whose length does not fit the format's 32-bit length field.
var ErrTermTooLarge = errors.New("term exceeds 32-bit length field")

type signedTerm struct {
	payload  string
	issuedAt int64
	ttl      int64
}

func encodeTerm(t signedTerm) ([]byte, error) {
	if uint64(len(t.payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode payload binary: %w", ErrTermTooLarge)
	}

	buf := make([]byte, 0, 16+len(t.payload))
	buf = append(buf, etfVersion, etfSmallTuple, 3)

	buf = append(buf, etfBinary)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.payload)))
	buf = append(buf, t.payload...)

	var err error
	if buf, err = appendInteger(buf, t.issuedAt); err != nil {
		return nil, err
	}
	if buf, err = appendInteger(buf, t.ttl); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendInteger(buf []byte, n int64) ([]byte, error) {
	if n >= 0 && n <= 255 {
		return append(buf, etfSmallInteger, byte(n)), nil
	}
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		buf = append(buf, etfInteger)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(n))), nil
	}

	// SMALL_BIG_EXT: digit count, sign, little-endian magnitude bytes.
	sign := byte(0)
	mag := uint64(n)
	if n < 0 {
		sign = 1
		mag = uint64(-n)
	}
	var digits []byte
	for mag > 0 {
		digits = append(digits, byte(mag))
		mag >>= 8
	}
	if len(digits) > 255 {
		// Unreachable for int64 input; kept for parity with the format.
		if uint64(len(digits)) > math.MaxUint32 {
			return nil, fmt.Errorf("encode big integer: %w", ErrTermTooLarge)
		}
		buf = append(buf, etfLargeBig)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(digits)))
	} else {
		buf = append(buf, etfSmallBig, byte(len(digits)))
	}
	buf = append(buf, sign)
	return append(buf, digits...), nil
}

func decodeTerm(raw []byte) (signedTerm, error) {
	r := termReader{buf: raw}
	if b, err := r.byte(); err != nil || b != etfVersion {
		return signedTerm{}, fmt.Errorf("bad term version")
	}
	if b, err := r.byte(); err != nil || b != etfSmallTuple {
		return signedTerm{}, fmt.Errorf("expected tuple")
	}
	if arity, err := r.byte(); err != nil || arity != 3 {
		return signedTerm{}, fmt.Errorf("expected 3-tuple")
	}

	var t signedTerm
	tag, err := r.byte()
	if err != nil || tag != etfBinary {
		return signedTerm{}, fmt.Errorf("expected binary payload")
	}
	ln, err := r.uint32()
	if err != nil {
		return signedTerm{}, err
	}
	payload, err := r.take(int(ln))
	if err != nil {
		return signedTerm{}, err
	}
	t.payload = string(payload)

	if t.issuedAt, err = r.integer(); err != nil {
		return signedTerm{}, fmt.Errorf("decode issued_at: %w", err)
	}
	if t.ttl, err = r.integer(); err != nil {
		return signedTerm{}, fmt.Errorf("decode ttl: %w", err)
	}
	return t, nil
}

type termReader struct {
	buf []byte
	pos int
}

func (r *termReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("truncated term")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *termReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("truncated term")
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *termReader) uint32() (uint32, error) {
	raw, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (r *termReader) integer() (int64, error) {
	tag, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case etfSmallInteger:
		b, err := r.byte()
		return int64(b), err
	case etfInteger:
		v, err := r.uint32()
		return int64(int32(v)), err
	case etfSmallBig:
		count, err := r.byte()
		if err != nil {
			return 0, err
		}
		return r.bigMagnitude(int(count))
	case etfLargeBig:
		count, err := r.uint32()
		if err != nil {
			return 0, err
		}
		return r.bigMagnitude(int(count))
	default:
		return 0, fmt.Errorf("unexpected integer tag %d", tag)
	}
}

func (r *termReader) bigMagnitude(count int) (int64, error) {
	sign, err := r.byte()
	if err != nil {
		return 0, err
	}
	digits, err := r.take(count)
	if err != nil {
		return 0, err
	}
	if count > 8 {
		return 0, fmt.Errorf("big integer too large for int64")
	}
	var mag uint64
	for i := count - 1; i >= 0; i-- {
		mag = mag<<8 | uint64(digits[i])
	}
	if mag > math.MaxInt64 {
		return 0, fmt.Errorf("big integer too large for int64")
	}
	v := int64(mag)
	if sign == 1 {
		v = -v
	}
	return v, nil
}
