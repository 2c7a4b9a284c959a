package packet

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t testing.TB, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type Case struct {
		name     string
		input    string
		expect   Frame
		consumed int
		err      error
	}
	cases := []Case{
		{"temperature", "06000201" + "0000ac41", NewTemperature(FrameData, 1, 21.5), 8, nil},
		{"humidity", "06000402" + "00004842", NewHumidity(FrameData, 2, 50), 8, nil},
		{"co2", "04000310" + "9001", NewCO2(FrameData, 0x10, 400), 6, nil},
		{"light-post", "03020650" + "01", NewLight(FrameDashboardPost, 0x50, true), 5, nil},
		{"rgb", "050208c8" + "ff8000", NewRGB(FrameDashboardPost, 200, 0xff, 0x80, 0), 7, nil},
		{"get", "02030201", NewGet(SensorTemperature, 1), 4, nil},
		{"heartbeat", "020101c8", NewHeartbeat(SensorButton, 200), 4, nil},
		{"trailing-bytes", "020101c8" + "0600", NewHeartbeat(SensorButton, 200), 4, nil},
		{"tail-mismatch", "05000201" + "0102ff", Frame{Kind: FrameData, Sensor: SensorTemperature, ID: 1, Value: Raw{1, 2, 0xff}}, 7, nil},
		{"lichtkrant", "120209" + "07" + "68656c6c6f" + "0000000000000000000000", NewLichtkrant(FrameDashboardPost, 7, []byte("hello")), 20, nil},
		{"empty", "", Frame{}, 0, ErrIncomplete},
		{"header-only", "06", Frame{}, 0, ErrIncomplete},
		{"payload-short", "06000201" + "0000ac", Frame{}, 0, ErrIncomplete},
		{"length-zero", "0001" + "020101c8", Frame{}, 2, ErrFrameInvalid},
		{"length-one", "010102", Frame{}, 3, ErrFrameInvalid},
		{"unknown-frame-kind", "03090201" + "aa", Frame{Kind: 9, Sensor: SensorTemperature, ID: 1, Value: Raw{0xaa}}, 5, ErrUnknownVariant},
		{"unknown-sensor-kind", "02003305", Frame{Kind: FrameData, Sensor: 0x33, ID: 5}, 4, ErrUnknownVariant},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			f, n, err := Decode(mustHex(t, c.input))
			assert.Equal(t, c.consumed, n)
			if c.err == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.err, errors.Cause(err))
			}
			assert.Equal(t, c.expect, f)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	frames := []Frame{
		{},
		NewHeartbeat(SensorNoop, 255),
		NewGet(SensorLight, 0),
		NewTemperature(FrameData, 1, 21.5),
		NewTemperature(FrameDashboardResponse, 1, -40.25),
		NewHumidity(FrameData, 130, 99.5),
		NewCO2(FrameData, 129, 0xffff),
		NewLight(FrameDashboardPost, 80, false),
		{Kind: FrameData, Sensor: SensorLight, ID: 81, Value: Light(7)},
		NewRGB(FrameData, 3, 1, 2, 3),
		NewLichtkrant(FrameDashboardPost, 9, []byte("0123456789abcdef")),
		{Kind: FrameData, Sensor: SensorMotion, ID: 12},
		{Kind: FrameData, Sensor: SensorPressure, ID: 13, Value: Raw{1, 2, 3, 4, 5}},
	}
	for i, f := range frames {
		f := f
		t.Run(fmt.Sprintf("%d:%s", i, f.String()), func(t *testing.T) {
			t.Parallel()
			b := Encode(f)
			assert.Equal(t, HeaderLen+int(b[0]), len(b))
			f2, n, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, f, f2)
		})
	}
}

func TestIncompleteNeverConsumes(t *testing.T) {
	t.Parallel()
	full := NewLichtkrant(FrameData, 200, []byte("marquee")).Bytes()
	for i := 0; i < len(full); i++ {
		f, n, err := Decode(full[:i])
		assert.Equal(t, ErrIncomplete, err, "prefix=%d", i)
		assert.Equal(t, 0, n)
		assert.True(t, f.IsZero())
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 8)
	for l := 0; l < 256; l += 3 {
		for k := 0; k < 256; k += 5 {
			buf[0], buf[1], buf[2], buf[3] = byte(l%9), byte(k), byte(255-k), byte(l)
			assert.NotPanics(t, func() { _, _, _ = Decode(buf) })
		}
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "02000000", Frame{}.Hex())
	assert.Equal(t, "060002010000ac41", NewTemperature(FrameData, 1, 21.5).Hex())
	long := Frame{Kind: FrameData, Sensor: SensorNoop, ID: 1, Value: make(Raw, 300)}
	assert.Equal(t, MaxFrame, len(long.Bytes()))
	assert.Equal(t, byte(MaxPayload), long.Bytes()[0])
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "temperature", SensorTemperature.String())
	assert.Equal(t, "sensor(42)", SensorKind(42).String())
	assert.Equal(t, "get", FrameDashboardGet.String())
	assert.Equal(t, "frame(7)", FrameKind(7).String())
	k, ok := ParseSensorKind("lichtkrant")
	assert.True(t, ok)
	assert.Equal(t, SensorLichtkrant, k)
	_, ok = ParseSensorKind("sonar")
	assert.False(t, ok)
	assert.Equal(t, "data temperature id=1 value=21.50C", NewTemperature(FrameData, 1, 21.5).String())
	assert.Equal(t, "get co2 id=3", NewGet(SensorCO2, 3).String())
}

func TestTextEncoder(t *testing.T) {
	t.Parallel()
	plain, err := NewTextEncoder("")
	require.NoError(t, err)
	b, err := plain.Encode("hello world, long marquee text")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world, lon"), b)

	cyr, err := NewTextEncoder("windows-1251")
	require.NoError(t, err)
	f, err := cyr.Frame(FrameDashboardPost, 9, "Привет")
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "cff0e8e2e5f2"), f.Value.(Lichtkrant).Bytes())
	assert.Equal(t, "12020909"+"cff0e8e2e5f2"+strings.Repeat("00", 10), f.Hex())

	_, err = NewTextEncoder("no-such-codepage")
	assert.Error(t, err)
}
