package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/bridge"
	"github.com/temoto/sensorbridge/hub"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/state"
	"github.com/temoto/sensorbridge/tele"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "sensorbridge.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("hello")

	config := state.MustReadConfig(log, state.NewOsFullReader("."), *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("config=%+v", config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hc *hub.Client
	if config.Hub.Enable {
		hubLog := log.Clone(log2.LInfo)
		hubLog.SetPrefix("hub: ")
		if config.Hub.LogDebug {
			hubLog.SetLevel(log2.LDebug)
		}
		var err error
		hc, err = hub.NewClient(config.HubOptions(hubLog))
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		// hub must be reachable at startup, later losses are supervised
		if err = hc.Connect(ctx); err == nil {
			err = hc.Start()
		}
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	teleLog := log.Clone(log2.LInfo)
	teleLog.SetPrefix("tele: ")
	if config.Tele.LogDebug {
		teleLog.SetLevel(log2.LDebug)
	}
	t, err := tele.New(teleLog, config.TeleConfig())
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	actions := bridge.NewActions(log, t, config.ToggleRules())
	enc, err := config.TextEncoder()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	actions.SetDisplays(enc, config.DisplayRules())

	opt := config.ServerOptions(log)
	opt.Hub = hc
	opt.Processor = actions
	srv, err := bridge.NewServer(opt)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	actions.Attach(srv)
	if err = srv.Listen(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	sdnotify(daemon.SdNotifyReady)
	log.Infof("running hub=%t hub_id_below=%d rules=%d displays=%d", hc != nil, config.Partition.HubIDBelow, len(config.Rules), len(config.Displays))

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1)
	for sig := range sigch {
		if sig == syscall.SIGUSR1 {
			logStatus(srv, hc, t)
			continue
		}
		log.Infof("signal=%v stopping", sig)
		break
	}

	sdnotify(daemon.SdNotifyStopping)
	if err = srv.Close(); err != nil {
		log.Errorf("server close err=%v", err)
	}
	if hc != nil {
		_ = hc.Close()
	}
	if err = t.Close(); err != nil {
		log.Errorf("tele close err=%v", err)
	}
	logStatus(srv, hc, t)
}

func logStatus(srv *bridge.Server, hc *hub.Client, t tele.Tele) {
	for _, e := range srv.Registry().Snapshot() {
		log.Infof("slave id=%d seen=%s state=%s", e.ID, e.Seen.Format("15:04:05"), e.State.String())
	}
	log.Infof("stat server=%s", srv.Stat().String())
	if hc != nil {
		log.Infof("hub addr=%s connected=%t last_recv=%s", hc.Addr(), hc.Connected(), hc.LastRecv().Format(time.RFC3339))
		log.Infof("stat hub=%s", hc.Stat().String())
	}
	if ts, ok := t.(interface{ Stat() *tele.Stat }); ok {
		log.Infof("stat tele=%s", ts.Stat().String())
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
