package packet

import "fmt"

// SensorKind selects payload tail layout.
type SensorKind uint8

const (
	SensorNoop SensorKind = iota
	SensorButton
	SensorTemperature
	SensorCO2
	SensorHumidity
	SensorPressure
	SensorLight
	SensorMotion
	SensorRGB
	SensorLichtkrant
	sensorKindCount
)

var sensorKindNames = [sensorKindCount]string{
	"noop", "button", "temperature", "co2", "humidity",
	"pressure", "light", "motion", "rgb", "lichtkrant",
}

func (k SensorKind) Known() bool { return k < sensorKindCount }

func (k SensorKind) String() string {
	if k.Known() {
		return sensorKindNames[k]
	}
	return fmt.Sprintf("sensor(%d)", uint8(k))
}

// ParseSensorKind is reverse of String for known kinds.
func ParseSensorKind(s string) (SensorKind, bool) {
	for i, name := range sensorKindNames {
		if name == s {
			return SensorKind(i), true
		}
	}
	return 0, false
}

// tailLen is expected payload tail length, -1 for unknown kind.
func (k SensorKind) tailLen() int {
	switch k {
	case SensorNoop, SensorButton, SensorPressure, SensorMotion:
		return 0
	case SensorTemperature, SensorHumidity:
		return 4
	case SensorCO2:
		return 2
	case SensorLight:
		return 1
	case SensorRGB:
		return 3
	case SensorLichtkrant:
		return LichtkrantLen
	}
	return -1
}

// FrameKind selects dispatch routing.
type FrameKind uint8

const (
	FrameData FrameKind = iota
	FrameHeartbeat
	FrameDashboardPost
	FrameDashboardGet
	FrameDashboardResponse
	frameKindCount
)

var frameKindNames = [frameKindCount]string{
	"data", "heartbeat", "post", "get", "response",
}

func (k FrameKind) Known() bool { return k < frameKindCount }

func (k FrameKind) String() string {
	if k.Known() {
		return frameKindNames[k]
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}
