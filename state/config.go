package state

import (
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/bridge"
	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/hub"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
	"github.com/temoto/sensorbridge/tele"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Listen   string `hcl:"listen"`
	LogDebug bool   `hcl:"log_debug"`

	Hub struct {
		Enable           bool   `hcl:"enable"`
		Address          string `hcl:"address"`
		Port             int    `hcl:"port"`
		RequestTimeoutMs int    `hcl:"request_timeout_ms"`
		RetryDelayMs     int    `hcl:"retry_delay_ms"`
		NetworkTimeoutMs int    `hcl:"network_timeout_ms"`
		LogDebug         bool   `hcl:"log_debug"`
	} `hcl:"hub"`

	Partition struct {
		// sensor ids below are behind hub
		HubIDBelow int `hcl:"hub_id_below"`
	} `hcl:"partition"`

	Lichtkrant struct {
		Codepage string `hcl:"codepage"`
	} `hcl:"lichtkrant"`

	Rules    []RuleConfig    `hcl:"rule"`
	Displays []DisplayConfig `hcl:"display"`

	Tele struct {
		Enable         bool   `hcl:"enable"`
		MqttBroker     string `hcl:"mqtt_broker"`
		ClientID       string `hcl:"client_id"`
		TopicPrefix    string `hcl:"topic_prefix"`
		PersistPath    string `hcl:"persist_path"`
		NetworkTimeout int    `hcl:"network_timeout_sec"`
		LogDebug       bool   `hcl:"log_debug"`
	} `hcl:"tele"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type RuleConfig struct {
	Name   string `hcl:"name,key"`
	Button int    `hcl:"button"`
	Light  int    `hcl:"light"`
}

type DisplayConfig struct {
	Name   string `hcl:"name,key"`
	Source int    `hcl:"source"`
	Target int    `hcl:"target"`
}

func newConfig() *Config {
	c := &Config{
		includeSeen: make(map[string]struct{}),
		Listen:      "tcp://0.0.0.0:5000",
	}
	c.Hub.Enable = true
	c.Hub.Address = "127.0.0.1"
	c.Hub.Port = 5001
	c.Partition.HubIDBelow = bridge.DefaultHubIDBelow
	c.Tele.TopicPrefix = tele.DefaultTopicPrefix
	return c
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig applies sources in order over defaults and validates result.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := newConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, errors.Annotatef(err, "config listen=%s", c.Listen))
	}
	if c.Hub.Enable {
		if ip := net.ParseIP(c.Hub.Address); ip == nil || ip.To4() == nil {
			errs = append(errs, errors.NotValidf("config hub address=%q (IPv4 expected)", c.Hub.Address))
		}
		if c.Hub.Port < 1 || c.Hub.Port > 65535 {
			errs = append(errs, errors.NotValidf("config hub port=%d", c.Hub.Port))
		}
	}
	if c.Partition.HubIDBelow < 0 || c.Partition.HubIDBelow > 256 {
		errs = append(errs, errors.NotValidf("config partition hub_id_below=%d", c.Partition.HubIDBelow))
	}
	for _, r := range c.Rules {
		if r.Button < 0 || r.Button > 255 || r.Light < 0 || r.Light > 255 {
			errs = append(errs, errors.NotValidf("config rule=%s button=%d light=%d", r.Name, r.Button, r.Light))
		}
	}
	for _, d := range c.Displays {
		if d.Source < 0 || d.Source > 255 || d.Target < 0 || d.Target > 255 {
			errs = append(errs, errors.NotValidf("config display=%s source=%d target=%d", d.Name, d.Source, d.Target))
		}
	}
	if _, err := c.TextEncoder(); err != nil {
		errs = append(errs, errors.Annotate(err, "config lichtkrant"))
	}
	if c.Tele.Enable {
		if c.Tele.MqttBroker == "" {
			errs = append(errs, errors.NotValidf("config tele mqtt_broker empty"))
		}
		if c.Tele.PersistPath == "" {
			errs = append(errs, errors.NotValidf("config tele persist_path empty"))
		}
	}
	return helpers.FoldErrors(errs)
}

func validateListen(s string) error {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return err
	}
	if u.Scheme != "tcp" {
		return errors.NotValidf("scheme=%s", u.Scheme)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return errors.NotValidf("port=%s", portStr)
	}
	return nil
}

func (c *Config) HubOptions(log *log2.Log) hub.Options {
	return hub.Options{
		Address:        c.Hub.Address,
		Port:           c.Hub.Port,
		Log:            log,
		NetworkTimeout: helpers.IntMillisecondDefault(c.Hub.NetworkTimeoutMs, hub.DefaultNetworkTimeout),
	}
}

func (c *Config) ServerOptions(log *log2.Log) bridge.Options {
	return bridge.Options{
		Log:            log,
		ListenURL:      c.Listen,
		HubIDBelow:     c.Partition.HubIDBelow,
		RequestTimeout: helpers.IntMillisecondDefault(c.Hub.RequestTimeoutMs, bridge.DefaultRequestTimeout),
		RetryDelay:     helpers.IntMillisecondDefault(c.Hub.RetryDelayMs, bridge.DefaultRetryDelay),
	}
}

func (c *Config) TeleConfig() tele.Config {
	return tele.Config{
		Enable:         c.Tele.Enable,
		MqttBroker:     c.Tele.MqttBroker,
		ClientID:       c.Tele.ClientID,
		TopicPrefix:    c.Tele.TopicPrefix,
		PersistPath:    c.Tele.PersistPath,
		NetworkTimeout: helpers.IntSecondDefault(c.Tele.NetworkTimeout, tele.DefaultNetworkTimeout),
	}
}

func (c *Config) ToggleRules() []bridge.ToggleRule {
	rules := make([]bridge.ToggleRule, len(c.Rules))
	for i, r := range c.Rules {
		rules[i] = bridge.ToggleRule{Name: r.Name, Button: uint8(r.Button), Light: uint8(r.Light)}
	}
	return rules
}

func (c *Config) DisplayRules() []bridge.DisplayRule {
	rules := make([]bridge.DisplayRule, len(c.Displays))
	for i, d := range c.Displays {
		rules[i] = bridge.DisplayRule{Name: d.Name, Source: uint8(d.Source), Display: uint8(d.Target)}
	}
	return rules
}

// TextEncoder converts marquee text into configured codepage.
func (c *Config) TextEncoder() (*packet.TextEncoder, error) {
	return packet.NewTextEncoder(c.Lichtkrant.Codepage)
}

// RequestTimeout is also used by console client.
func (c *Config) RequestTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.Hub.RequestTimeoutMs, bridge.DefaultRequestTimeout)
}
