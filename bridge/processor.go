package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
	"github.com/temoto/sensorbridge/tele"
)

// Processor receives every DATA frame after registry state is updated.
// Called from connection goroutine, must not block for long.
type Processor interface {
	ProcessReading(ctx context.Context, f packet.Frame)
}

type ProcessorFunc func(ctx context.Context, f packet.Frame)

func (fun ProcessorFunc) ProcessReading(ctx context.Context, f packet.Frame) { fun(ctx, f) }

// Poster delivers frame to sensor, implemented by Server.
type Poster interface {
	Post(f packet.Frame) error
}

// ToggleRule: button press flips light.
type ToggleRule struct {
	Name   string
	Button uint8
	Light  uint8
}

// DisplayRule: reading of Source sensor is shown as text on Display marquee.
type DisplayRule struct {
	Name    string
	Source  uint8
	Display uint8
}

// Actions is default processor: logs readings, sends them to telemetry
// and runs button toggle and display rules.
type Actions struct {
	log      *log2.Log
	tele     tele.Tele
	rules    map[uint8][]uint8
	text     *packet.TextEncoder
	displays map[uint8][]uint8

	mu     sync.Mutex
	poster Poster
	lights map[uint8]bool
}

func NewActions(log *log2.Log, t tele.Tele, rules []ToggleRule) *Actions {
	if t == nil {
		t = tele.NewStub()
	}
	self := &Actions{
		log:    log,
		tele:   t,
		rules:  make(map[uint8][]uint8, len(rules)),
		lights: make(map[uint8]bool),
	}
	for _, r := range rules {
		self.rules[r.Button] = append(self.rules[r.Button], r.Light)
	}
	return self
}

// SetDisplays must be called before first ProcessReading.
// Nil enc passes text bytes as is.
func (self *Actions) SetDisplays(enc *packet.TextEncoder, rules []DisplayRule) {
	self.text = enc
	self.displays = make(map[uint8][]uint8, len(rules))
	for _, r := range rules {
		self.displays[r.Source] = append(self.displays[r.Source], r.Display)
	}
}

func (self *Actions) Attach(p Poster) {
	self.mu.Lock()
	self.poster = p
	self.mu.Unlock()
}

func (self *Actions) ProcessReading(ctx context.Context, f packet.Frame) {
	self.log.Infof("reading %s", f.String())
	self.tele.Reading(f)

	switch f.Sensor {
	case packet.SensorButton:
		for _, light := range self.rules[f.ID] {
			self.toggle(f.ID, light)
		}
	case packet.SensorLight:
		// follow real light state reported by device
		if v, ok := f.Value.(packet.Light); ok {
			self.mu.Lock()
			self.lights[f.ID] = v.On()
			self.mu.Unlock()
		}
	}
	if displays := self.displays[f.ID]; len(displays) != 0 {
		if text, ok := displayText(f); ok {
			for _, d := range displays {
				self.show(f.ID, d, text)
			}
		}
	}
}

func displayText(f packet.Frame) (string, bool) {
	switch v := f.Value.(type) {
	case packet.Temperature:
		return fmt.Sprintf("%.1f°C", float32(v)), true
	case packet.Humidity:
		return fmt.Sprintf("%.0f%%", float32(v)), true
	case packet.CO2:
		return fmt.Sprintf("%d ppm", uint16(v)), true
	case packet.Light:
		return v.String(), true
	}
	return "", false
}

func (self *Actions) show(source, display uint8, text string) {
	self.mu.Lock()
	poster := self.poster
	self.mu.Unlock()
	if poster == nil {
		self.log.Errorf("code error Actions.Attach() not called")
		return
	}
	f, err := self.text.Frame(packet.FrameDashboardPost, display, text)
	if err == nil {
		err = poster.Post(f)
	}
	if err != nil {
		self.log.Errorf("display source=%d display=%d err=%v", source, display, err)
	}
}

func (self *Actions) toggle(button, light uint8) {
	self.mu.Lock()
	poster := self.poster
	if poster == nil {
		self.mu.Unlock()
		self.log.Errorf("code error Actions.Attach() not called")
		return
	}
	on := !self.lights[light]
	self.lights[light] = on
	self.mu.Unlock()

	self.log.Debugf("toggle button=%d light=%d on=%t", button, light, on)
	if err := poster.Post(packet.NewLight(packet.FrameDashboardPost, light, on)); err != nil {
		self.log.Errorf("toggle button=%d light=%d err=%v", button, light, err)
	}
}
