package main

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/packet"
)

const usage = `syntax: one command per line
(frames)
- get ID [SENSOR]              ask bridge for last reading
- post ID SENSOR [VALUE...]    send value to sensor
- data ID SENSOR [VALUE...]    report reading as if from sensor
- hb ID [SENSOR]               register this connection as sensor
- @XX...                       transmit raw bytes from hex XX...

(values)
- temperature, humidity: float
- co2: integer ppm
- light: on|off
- rgb: R G B | #rrggbb
- lichtkrant: text, the rest of line

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- help
- quit
`

// command is result of parsing one console line.
// Exactly one of raw or meta is set.
type command struct {
	raw  []byte
	meta string
}

type parser struct {
	text *packet.TextEncoder
}

func (self *parser) parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	words := strings.Fields(line)
	if len(words) == 0 {
		return command{}, errors.NotValidf("empty line")
	}
	switch w := words[0]; {
	case w == "help" || w == "log=yes" || w == "log=no" || w == "quit":
		return command{meta: w}, nil

	case w[0] == '@':
		b, err := hex.DecodeString(strings.Join(append([]string{w[1:]}, words[1:]...), ""))
		if err != nil {
			return command{}, errors.Annotatef(err, "hex=%s", w[1:])
		}
		if len(b) == 0 {
			return command{}, errors.NotValidf("empty raw")
		}
		return command{raw: b}, nil

	case w == "get" || w == "hb":
		if len(words) < 2 || len(words) > 3 {
			return command{}, errors.NotValidf("syntax: %s ID [SENSOR]", w)
		}
		id, err := parseID(words[1])
		if err != nil {
			return command{}, err
		}
		sensor := packet.SensorNoop
		if len(words) == 3 {
			if sensor, err = parseSensor(words[2]); err != nil {
				return command{}, err
			}
		}
		var f packet.Frame
		if w == "get" {
			f = packet.NewGet(sensor, id)
		} else {
			f = packet.NewHeartbeat(sensor, id)
		}
		return command{raw: f.Bytes()}, nil

	case w == "post" || w == "data":
		if len(words) < 3 {
			return command{}, errors.NotValidf("syntax: %s ID SENSOR [VALUE...]", w)
		}
		kind := packet.FrameDashboardPost
		if w == "data" {
			kind = packet.FrameData
		}
		id, err := parseID(words[1])
		if err != nil {
			return command{}, err
		}
		sensor, err := parseSensor(words[2])
		if err != nil {
			return command{}, err
		}
		// lichtkrant text keeps inner spaces
		f, err := self.valueFrame(kind, sensor, id, words[3:], skipFields(line, 3))
		if err != nil {
			return command{}, errors.Annotatef(err, "%s id=%d sensor=%s", w, id, sensor)
		}
		return command{raw: f.Bytes()}, nil
	}
	return command{}, errors.NotValidf("command=%s (try help)", words[0])
}

func (self *parser) valueFrame(kind packet.FrameKind, sensor packet.SensorKind, id uint8, args []string, rest string) (packet.Frame, error) {
	need := func(n int) error {
		if len(args) != n {
			return errors.NotValidf("value count=%d expected=%d", len(args), n)
		}
		return nil
	}
	switch sensor {
	case packet.SensorTemperature, packet.SensorHumidity:
		if err := need(1); err != nil {
			return packet.Frame{}, err
		}
		v, err := strconv.ParseFloat(args[0], 32)
		if err != nil {
			return packet.Frame{}, errors.Annotatef(err, "value=%s", args[0])
		}
		if sensor == packet.SensorTemperature {
			return packet.NewTemperature(kind, id, float32(v)), nil
		}
		return packet.NewHumidity(kind, id, float32(v)), nil

	case packet.SensorCO2:
		if err := need(1); err != nil {
			return packet.Frame{}, err
		}
		v, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return packet.Frame{}, errors.Annotatef(err, "value=%s", args[0])
		}
		return packet.NewCO2(kind, id, uint16(v)), nil

	case packet.SensorLight:
		if err := need(1); err != nil {
			return packet.Frame{}, err
		}
		switch args[0] {
		case "on", "1":
			return packet.NewLight(kind, id, true), nil
		case "off", "0":
			return packet.NewLight(kind, id, false), nil
		}
		return packet.Frame{}, errors.NotValidf("light value=%s", args[0])

	case packet.SensorRGB:
		var rgb [3]uint8
		switch {
		case len(args) == 1 && strings.HasPrefix(args[0], "#"):
			b, err := hex.DecodeString(args[0][1:])
			if err != nil || len(b) != 3 {
				return packet.Frame{}, errors.NotValidf("rgb value=%s", args[0])
			}
			copy(rgb[:], b)
		case len(args) == 3:
			for i, a := range args {
				v, err := strconv.ParseUint(a, 10, 8)
				if err != nil {
					return packet.Frame{}, errors.Annotatef(err, "rgb value=%s", a)
				}
				rgb[i] = uint8(v)
			}
		default:
			return packet.Frame{}, errors.NotValidf("rgb value count=%d", len(args))
		}
		return packet.NewRGB(kind, id, rgb[0], rgb[1], rgb[2]), nil

	case packet.SensorLichtkrant:
		return self.text.Frame(kind, id, rest)

	default:
		if err := need(0); err != nil {
			return packet.Frame{}, err
		}
		return packet.Frame{Kind: kind, Sensor: sensor, ID: id}, nil
	}
}

func skipFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		j := strings.IndexFunc(s, unicode.IsSpace)
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimSpace(s)
}

func parseID(s string) (uint8, error) {
	id, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.NotValidf("id=%s", s)
	}
	return uint8(id), nil
}

func parseSensor(s string) (packet.SensorKind, error) {
	if k, ok := packet.ParseSensorKind(s); ok {
		return k, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return packet.SensorKind(n), nil
	}
	return 0, errors.NotValidf("sensor=%s", s)
}
