package tele

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/log2"
)

var mqttLogOnce sync.Once

type transportMqtt struct {
	log     *log2.Log
	m       mqtt.Client
	timeout time.Duration
}

func newTransportMqtt(log *log2.Log, config Config) (*transportMqtt, error) {
	mqttLogOnce.Do(func() {
		mqtt.ERROR = log
		mqtt.CRITICAL = log
		mqtt.WARN = log
	})
	clientID := config.ClientID
	if clientID == "" {
		clientID = config.TopicPrefix + "-bridge"
	}
	self := &transportMqtt{
		log:     log,
		timeout: config.NetworkTimeout,
	}
	willTopic := config.TopicPrefix + "/bridge/online"
	mopt := mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetClientID(clientID).
		SetBinaryWill(willTopic, []byte{0x00}, 1, true).
		SetCleanSession(true).
		SetKeepAlive(config.NetworkTimeout).
		SetPingTimeout(config.NetworkTimeout).
		SetWriteTimeout(config.NetworkTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			self.log.Infof("mqtt connect")
			c.Publish(willTopic, 1, true, []byte{0x01})
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			self.log.Infof("mqtt disconnect err=%v", err)
		})
	self.m = mqtt.NewClient(mopt)
	// network errors are not fatal, publish will retry connect
	if err := self.connect(); err != nil {
		log.Errorf("mqtt connect err=%v", err)
	}
	return self, nil
}

func (self *transportMqtt) connect() error {
	token := self.m.Connect()
	if !token.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt connect")
	}
	return token.Error()
}

func (self *transportMqtt) Publish(topic string, payload []byte) error {
	if !self.m.IsConnected() {
		if err := self.connect(); err != nil {
			return errors.Annotate(err, "mqtt reconnect")
		}
	}
	token := self.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s", topic)
	}
	return token.Error()
}

func (self *transportMqtt) Close() {
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
}
