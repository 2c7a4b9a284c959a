// Package packet implements sensor bridge wire format.
// Frame layout: [payload_length][frame_kind][sensor_kind][sensor_id][tail...]
// where payload_length counts bytes after 2 byte header.
package packet

import (
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const (
	HeaderLen  = 2
	MetaLen    = 2
	MaxPayload = 0xff
	MaxTail    = MaxPayload - MetaLen
	MaxFrame   = HeaderLen + MaxPayload
)

var (
	ErrIncomplete     = errors.New("frame incomplete")
	ErrFrameInvalid   = errors.New("frame invalid")
	ErrUnknownVariant = errors.New("unknown variant")
)

type Frame struct {
	Kind   FrameKind
	Sensor SensorKind
	ID     uint8
	Value  Payload // nil when frame carries only metadata
}

// Decode reads one frame from start of b and returns bytes consumed.
// ErrIncomplete: consumed=0, caller keeps b and waits for more input.
// ErrFrameInvalid: consumed covers bad frame, caller skips it.
// ErrUnknownVariant: frame is filled structurally (tail as Raw) and fully consumed.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < HeaderLen {
		return Frame{}, 0, ErrIncomplete
	}
	plen := int(b[0])
	total := HeaderLen + plen
	if total > len(b) {
		return Frame{}, 0, ErrIncomplete
	}
	if plen < MetaLen {
		return Frame{}, total, errors.Annotatef(ErrFrameInvalid, "frame=%x payload_length=%d < %d", b[:total], plen, MetaLen)
	}

	f := Frame{
		Kind:   FrameKind(b[1]),
		Sensor: SensorKind(b[2]),
		ID:     b[3],
	}
	tail := b[HeaderLen+MetaLen : total]
	if !f.Kind.Known() || !f.Sensor.Known() {
		if len(tail) != 0 {
			f.Value = Raw(append([]byte(nil), tail...))
		}
		return f, total, errors.Annotatef(ErrUnknownVariant, "frame=%x kind=%s sensor=%s", b[:total], f.Kind, f.Sensor)
	}
	f.Value = parseTail(f.Sensor, tail)
	return f, total, nil
}

// Encode returns exact wire form. Tail longer than MaxTail is truncated.
func Encode(f Frame) []byte { return f.Bytes() }

func (f Frame) Bytes() []byte {
	b := make([]byte, HeaderLen+MetaLen, HeaderLen+MetaLen+8)
	b[1] = byte(f.Kind)
	b[2] = byte(f.Sensor)
	b[3] = f.ID
	if f.Value != nil {
		b = f.Value.appendTail(b)
	}
	if len(b) > MaxFrame {
		b = b[:MaxFrame]
	}
	b[0] = byte(len(b) - HeaderLen)
	return b
}

// IsZero reports zero frame, the state of never updated slot.
func (f Frame) IsZero() bool {
	return f.Kind == 0 && f.Sensor == 0 && f.ID == 0 && f.Value == nil
}

func (f Frame) String() string {
	if f.Value == nil {
		return fmt.Sprintf("%s %s id=%d", f.Kind, f.Sensor, f.ID)
	}
	return fmt.Sprintf("%s %s id=%d value=%s", f.Kind, f.Sensor, f.ID, f.Value.String())
}

func (f Frame) Hex() string { return hex.EncodeToString(f.Bytes()) }

func NewHeartbeat(sensor SensorKind, id uint8) Frame {
	return Frame{Kind: FrameHeartbeat, Sensor: sensor, ID: id}
}

func NewGet(sensor SensorKind, id uint8) Frame {
	return Frame{Kind: FrameDashboardGet, Sensor: sensor, ID: id}
}

func NewTemperature(kind FrameKind, id uint8, v float32) Frame {
	return Frame{Kind: kind, Sensor: SensorTemperature, ID: id, Value: Temperature(v)}
}

func NewHumidity(kind FrameKind, id uint8, v float32) Frame {
	return Frame{Kind: kind, Sensor: SensorHumidity, ID: id, Value: Humidity(v)}
}

func NewCO2(kind FrameKind, id uint8, ppm uint16) Frame {
	return Frame{Kind: kind, Sensor: SensorCO2, ID: id, Value: CO2(ppm)}
}

func NewLight(kind FrameKind, id uint8, on bool) Frame {
	var v Light
	if on {
		v = 1
	}
	return Frame{Kind: kind, Sensor: SensorLight, ID: id, Value: v}
}

func NewRGB(kind FrameKind, id uint8, r, g, b uint8) Frame {
	return Frame{Kind: kind, Sensor: SensorRGB, ID: id, Value: RGB{r, g, b}}
}

// NewLichtkrant copies text as is, see TextEncoder for codepage conversion.
func NewLichtkrant(kind FrameKind, id uint8, text []byte) Frame {
	var v Lichtkrant
	copy(v[:], text)
	return Frame{Kind: kind, Sensor: SensorLichtkrant, ID: id, Value: v}
}
