package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Payload is typed frame tail. Implemented by
// Temperature, Humidity, CO2, Light, RGB, Lichtkrant and Raw.
type Payload interface {
	appendTail(b []byte) []byte
	String() string
}

type Temperature float32
type Humidity float32
type CO2 uint16

// Light is on/off switch state, wire values other than 0/1 are kept as is.
type Light uint8

type RGB struct{ R, G, B uint8 }

const LichtkrantLen = 16

// Lichtkrant is marquee display text in device codepage, zero padded.
type Lichtkrant [LichtkrantLen]byte

// Raw is tail that does not fit sensor kind layout.
type Raw []byte

func appendFloat32(b []byte, f float32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
	return append(b, tmp[:]...)
}

func (v Temperature) appendTail(b []byte) []byte { return appendFloat32(b, float32(v)) }
func (v Temperature) String() string             { return fmt.Sprintf("%.2fC", float32(v)) }

func (v Humidity) appendTail(b []byte) []byte { return appendFloat32(b, float32(v)) }
func (v Humidity) String() string             { return fmt.Sprintf("%.1f%%", float32(v)) }

func (v CO2) appendTail(b []byte) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(v))
	return append(b, tmp[:]...)
}
func (v CO2) String() string { return fmt.Sprintf("%dppm", uint16(v)) }

func (v Light) On() bool                   { return v != 0 }
func (v Light) appendTail(b []byte) []byte { return append(b, byte(v)) }
func (v Light) String() string {
	switch v {
	case 0:
		return "off"
	case 1:
		return "on"
	}
	return fmt.Sprintf("light(%d)", uint8(v))
}

func (v RGB) appendTail(b []byte) []byte { return append(b, v.R, v.G, v.B) }
func (v RGB) String() string             { return fmt.Sprintf("#%02x%02x%02x", v.R, v.G, v.B) }

func (v Lichtkrant) appendTail(b []byte) []byte { return append(b, v[:]...) }

// Bytes returns text without zero padding.
func (v Lichtkrant) Bytes() []byte {
	b := v[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return append([]byte(nil), b...)
}
func (v Lichtkrant) String() string { return fmt.Sprintf("%q", v.Bytes()) }

func (v Raw) appendTail(b []byte) []byte { return append(b, v...) }
func (v Raw) String() string             { return fmt.Sprintf("raw=%x", []byte(v)) }

func parseTail(kind SensorKind, tail []byte) Payload {
	if len(tail) == 0 {
		return nil
	}
	if kind.tailLen() != len(tail) {
		return Raw(append([]byte(nil), tail...))
	}
	switch kind {
	case SensorTemperature:
		return Temperature(math.Float32frombits(binary.LittleEndian.Uint32(tail)))
	case SensorHumidity:
		return Humidity(math.Float32frombits(binary.LittleEndian.Uint32(tail)))
	case SensorCO2:
		return CO2(binary.LittleEndian.Uint16(tail))
	case SensorLight:
		return Light(tail[0])
	case SensorRGB:
		return RGB{tail[0], tail[1], tail[2]}
	case SensorLichtkrant:
		var l Lichtkrant
		copy(l[:], tail)
		return l
	}
	return Raw(append([]byte(nil), tail...))
}
