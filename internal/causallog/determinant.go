package causallog

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind tags the variant of a Determinant.
type Kind uint8

const (
	// KindOrder records which input channel the operator chose to read
	// from next, when multiple inputs were ready (the nondeterministic
	// interleaving choice).
	KindOrder Kind = iota
	// KindTimer records that a registered timer fired.
	KindTimer
	// KindRNG records a random-number draw (the seed or the raw draw).
	KindRNG
	// KindSerializable carries an opaque, operator-defined payload for
	// determinants this core does not model explicitly.
	KindSerializable
)

func (k Kind) String() string {
	switch k {
	case KindOrder:
		return "order"
	case KindTimer:
		return "timer"
	case KindRNG:
		return "rng"
	case KindSerializable:
		return "serializable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Determinant is a single recorded nondeterministic choice. Exactly one of
// the typed fields is meaningful, selected by Kind.
type Determinant struct {
	Kind Kind

	// KindOrder
	ChannelIndex uint8
	// KindTimer
	TimerID uint64
	// KindRNG
	RNGValue uint64
	// KindSerializable
	Payload []byte
}

// Order builds an order determinant.
func Order(channelIndex uint8) Determinant {
	return Determinant{Kind: KindOrder, ChannelIndex: channelIndex}
}

// Timer builds a timer determinant.
func Timer(timerID uint64) Determinant {
	return Determinant{Kind: KindTimer, TimerID: timerID}
}

// RNG builds an RNG determinant.
func RNG(value uint64) Determinant {
	return Determinant{Kind: KindRNG, RNGValue: value}
}

// Serializable builds an opaque determinant.
func Serializable(payload []byte) Determinant {
	return Determinant{Kind: KindSerializable, Payload: payload}
}

// Encoder appends and parses determinants using the fixed binary layout:
//
//	u8  kind
//	... kind-specific fields, big-endian
//
// Encoder holds no state; it exists to group encode/decode and keep call
// sites symmetric (mirrors how DeterminantResponseEvent's frame nests
// these bytes, §4.6).
type Encoder struct{}

// Append serializes d onto buf.
func (Encoder) Append(buf *bytes.Buffer, d Determinant) {
	buf.WriteByte(byte(d.Kind))
	switch d.Kind {
	case KindOrder:
		buf.WriteByte(d.ChannelIndex)
	case KindTimer:
		binary.Write(buf, binary.BigEndian, d.TimerID)
	case KindRNG:
		binary.Write(buf, binary.BigEndian, d.RNGValue)
	case KindSerializable:
		binary.Write(buf, binary.BigEndian, int32(len(d.Payload)))
		buf.Write(d.Payload)
	}
}

// Parse reads one Determinant from the front of r, returning the remaining
// bytes. A ProtocolViolation-class error is returned for truncated or
// unknown-kind frames (§7); callers treat that as fatal to the recovery
// attempt.
func (Encoder) Parse(r []byte) (Determinant, []byte, error) {
	if len(r) < 1 {
		return Determinant{}, nil, fmt.Errorf("causallog: empty determinant frame")
	}
	kind := Kind(r[0])
	r = r[1:]
	switch kind {
	case KindOrder:
		if len(r) < 1 {
			return Determinant{}, nil, fmt.Errorf("causallog: short order determinant")
		}
		return Determinant{Kind: KindOrder, ChannelIndex: r[0]}, r[1:], nil
	case KindTimer:
		if len(r) < 8 {
			return Determinant{}, nil, fmt.Errorf("causallog: short timer determinant")
		}
		return Determinant{Kind: KindTimer, TimerID: binary.BigEndian.Uint64(r[:8])}, r[8:], nil
	case KindRNG:
		if len(r) < 8 {
			return Determinant{}, nil, fmt.Errorf("causallog: short rng determinant")
		}
		return Determinant{Kind: KindRNG, RNGValue: binary.BigEndian.Uint64(r[:8])}, r[8:], nil
	case KindSerializable:
		if len(r) < 4 {
			return Determinant{}, nil, fmt.Errorf("causallog: short serializable determinant header")
		}
		n := int(int32(binary.BigEndian.Uint32(r[:4])))
		r = r[4:]
		if n < 0 || len(r) < n {
			return Determinant{}, nil, fmt.Errorf("causallog: corrupt serializable determinant: len %d, have %d", n, len(r))
		}
		payload := append([]byte(nil), r[:n]...)
		return Determinant{Kind: KindSerializable, Payload: payload}, r[n:], nil
	default:
		return Determinant{}, nil, fmt.Errorf("causallog: unknown determinant kind %d", kind)
	}
}

// ParseAll decodes every determinant in buf, in order.
func (e Encoder) ParseAll(buf []byte) ([]Determinant, error) {
	var out []Determinant
	for len(buf) > 0 {
		d, rest, err := e.Parse(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		buf = rest
	}
	return out, nil
}
