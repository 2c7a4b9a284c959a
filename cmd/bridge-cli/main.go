package main

import (
	"flag"
	"net"
	"os"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/helpers/cli"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	addr := cmdline.String("addr", "127.0.0.1:5000", "bridge host:port")
	codepage := cmdline.String("codepage", "", "lichtkrant text codepage, empty=as is")
	timeout := cmdline.Duration("timeout", 5*time.Second, "network timeout")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	text, err := packet.NewTextEncoder(*codepage)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatal(errors.ErrorStack(errors.Annotatef(err, "dial addr=%s", *addr)))
	}
	defer conn.Close()
	log.Infof("connected %s", conn.RemoteAddr())
	go receive(conn)

	p := &parser{text: text}
	exec := func(line string) {
		cmd, err := p.parseLine(line)
		if err != nil {
			log.Error(err)
			return
		}
		switch cmd.meta {
		case "":
		case "help":
			log.Infof(usage)
			return
		case "log=yes":
			log.SetLevel(log2.LDebug)
			return
		case "log=no":
			log.SetLevel(log2.LInfo)
			return
		case "quit":
			conn.Close()
			os.Exit(0)
		}
		log.Hexdump("send", cmd.raw)
		if err := helpers.WriteAllTimeout(conn, cmd.raw, *timeout); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}
	cli.MainLoop("bridge-cli", exec, newCompleter(), func() { conn.Close() })
	// piped input exhausted, give replies a moment
	time.Sleep(*timeout / 10)
}

func receive(conn net.Conn) {
	store := make([]byte, 0, 4*packet.MaxFrame)
	buf := store
	rbuf := make([]byte, packet.MaxFrame)
	for {
		n, err := conn.Read(rbuf)
		if err != nil {
			log.Infof("disconnected: %s", helpers.NetErrorString(err))
			os.Exit(0)
		}
		buf = append(buf, rbuf[:n]...)
		for {
			f, consumed, err := packet.Decode(buf)
			if consumed == 0 {
				break
			}
			log.Hexdump("recv", buf[:consumed])
			buf = buf[consumed:]
			if err != nil {
				log.Errorf("< %v", err)
				continue
			}
			log.Infof("< %s", f.String())
		}
		buf = append(store[:0], buf...)
	}
}

func newCompleter() prompt.Completer {
	suggests := []prompt.Suggest{
		{Text: "get", Description: "get ID [SENSOR] read last state"},
		{Text: "post", Description: "post ID SENSOR VALUE send to sensor"},
		{Text: "data", Description: "data ID SENSOR VALUE report reading"},
		{Text: "hb", Description: "hb ID [SENSOR] register as sensor"},
		{Text: "@XX", Description: "transmit raw hex"},
		{Text: "temperature"},
		{Text: "humidity"},
		{Text: "co2"},
		{Text: "light"},
		{Text: "rgb"},
		{Text: "lichtkrant"},
		{Text: "log=yes"},
		{Text: "log=no"},
		{Text: "help"},
		{Text: "quit"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
