// Package tele publishes sensor readings to MQTT broker.
// Contract:
// - Reading() blocks at most for disk write, network may be slow or absent
// - readings are kept in persistent outbox and delivered at least once in background
// - New() fails only with invalid config, network issues are ignored
package tele

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
	"github.com/temoto/spq"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultTopicPrefix    = "wemos"
)

type Tele interface {
	Reading(f packet.Frame)
	Close() error
}

// Transporter delivers one message or returns error.
type Transporter interface {
	Publish(topic string, payload []byte) error
	Close()
}

type Config struct {
	Enable         bool
	MqttBroker     string
	ClientID       string
	TopicPrefix    string
	PersistPath    string
	NetworkTimeout time.Duration
	RetryDelay     time.Duration
}

type stub struct{}

func NewStub() Tele                   { return stub{} }
func (stub) Reading(f packet.Frame) {}
func (stub) Close() error           { return nil }

// denote value type in persistent queue bytes form
const qReading byte = 1

type tele struct {
	alive     *alive.Alive
	config    Config
	log       *log2.Log
	transport Transporter
	q         *spq.Queue
	stat      Stat
}

// New returns stub when telemetry is disabled.
func New(log *log2.Log, config Config) (Tele, error) {
	if !config.Enable {
		return NewStub(), nil
	}
	if config.MqttBroker == "" {
		return nil, errors.NotValidf("tele mqtt_broker empty")
	}
	return NewWithTransporter(log, config, nil)
}

// NewWithTransporter uses MQTT transport when tr=nil.
func NewWithTransporter(log *log2.Log, config Config, tr Transporter) (*tele, error) {
	if config.PersistPath == "" {
		return nil, errors.NotValidf("tele persist_path empty")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.NetworkTimeout == 0 {
		config.NetworkTimeout = DefaultNetworkTimeout
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	self := &tele{
		alive:     alive.NewAlive(),
		config:    config,
		log:       log,
		transport: tr,
	}
	if self.transport == nil { // production path
		mt, err := newTransportMqtt(log, config)
		if err != nil {
			return nil, errors.Annotate(err, "tele transport")
		}
		self.transport = mt
	}

	var err error
	self.q, err = spq.Open(config.PersistPath)
	if err != nil {
		self.transport.Close()
		return nil, errors.Annotatef(err, "tele queue path=%s", config.PersistPath)
	}

	self.alive.Add(1)
	go self.qworker()
	return self, nil
}

func (self *tele) Stat() *Stat { return &self.stat }

func (self *tele) Reading(f packet.Frame) {
	b := make([]byte, 0, packet.MaxFrame+1)
	b = append(b, qReading)
	b = append(b, f.Bytes()...)
	if err := self.q.Push(b); err != nil {
		self.stat.Errors.Add(1)
		self.log.Errorf("tele push %s err=%v", f.String(), err)
		return
	}
	self.stat.Queued.Add(1)
}

func (self *tele) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	self.transport.Close()
	return errors.Annotate(err, "tele close")
}

func Topic(prefix string, f packet.Frame) string {
	return fmt.Sprintf("%s/sensor/%d/%s", prefix, f.ID, f.Sensor.String())
}

func (self *tele) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			del, herr := self.qhandle(b)
			if herr != nil {
				self.log.Errorf("tele qhandle b=%x err=%v", b, herr)
			}
			if del {
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("tele qhandle Delete b=%x err=%v", b, err)
				}
			} else {
				if err = self.q.DeletePush(box); err != nil {
					self.log.Errorf("tele qhandle DeletePush b=%x err=%v", b, err)
				}
				select {
				case <-time.After(self.config.RetryDelay):
				case <-self.alive.StopChan():
					return
				}
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL tele spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL tele spq err=%v", err)
			select {
			case <-time.After(self.config.RetryDelay):
			case <-self.alive.StopChan():
				return
			}
		}
	}
}

// qhandle returns true when record should be deleted from outbox.
func (self *tele) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.Errorf("tele spq peek=empty")
	}
	switch b[0] {
	case qReading:
		f, _, err := packet.Decode(b[1:])
		if err != nil && errors.Cause(err) != packet.ErrUnknownVariant {
			return true, err
		}
		topic := Topic(self.config.TopicPrefix, f)
		if err = self.transport.Publish(topic, b[1:]); err != nil {
			self.stat.Errors.Add(1)
			return false, errors.Annotatef(err, "publish topic=%s", topic)
		}
		self.stat.Sent.Add(1)
		return true, nil

	default:
		return true, errors.Errorf("unknown kind=%d", b[0])
	}
}
