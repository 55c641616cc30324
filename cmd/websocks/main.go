package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/websocks/websocks"
	"github.com/websocks/websocks/protocol/swan"
)

const help = `usage: websocks <command> [<args>]

The most commonly used websocks commands are:
  server     Start websocks server
  client     Start websocks client

Run 'websocks <command> -h' for more information on a command.`

func printHelpAndExit() {
	fmt.Println(help)
	os.Exit(0)
}

func main() {
	if len(os.Args) <= 1 {
		printHelpAndExit()
	}
	subCommand := os.Args[1]
	os.Args = os.Args[1:]
	switch subCommand {
	case "server":
		var (
			flListen = flag.String("l", "0.0.0.0:8765", "listen address")
			flUsers  = flag.String("u", "websocks:websocks", "users, user:pass[,user:pass...]")
		)
		flag.Parse()
		users := map[string]string{}
		for _, e := range strings.Split(*flUsers, ",") {
			seps := strings.SplitN(e, ":", 2)
			if len(seps) != 2 {
				log.Fatalln("main: malformed user", e)
			}
			users[seps[0]] = seps[1]
		}
		log.Infoln("main: loaded users, size is", len(users))
		server := swan.NewServer(*flListen, users)
		if err := server.Run(); err != nil {
			log.Fatalln(err)
		}
		websocks.Hang()
	case "client":
		var (
			flConf   = flag.String("c", "", "configuration file, overrides the other flags")
			flListen = flag.String("l", "127.0.0.1:1080", "listen address")
			flServer = flag.String("s", "ws://127.0.0.1:8765", "server url")
			flUser   = flag.String("u", "websocks", "username")
			flPass   = flag.String("k", "websocks", "password")
			flRule   = flag.String("r", "", "rule file, path or url")
			flForce  = flag.Bool("f", false, "force all unlisted traffic through the tunnel")
			flRacer  = flag.String("t", "", "race timeout, e.g. 1500ms")
			flDnserv = flag.String("dns", "", "domain server, e.g. 8.8.8.8:53")
		)
		flag.Parse()
		var (
			conf *websocks.Config
			err  error
		)
		if *flConf != "" {
			conf, err = websocks.LoadConfig(*flConf)
			if err != nil {
				log.Fatalln("main:", err)
			}
		} else {
			conf = &websocks.Config{
				Listen:   *flListen,
				Server:   *flServer,
				Username: *flUser,
				Password: *flPass,
				Rule:     *flRule,
				Force:    *flForce,
				Racer:    *flRacer,
				Dnserv:   *flDnserv,
			}
			if err := conf.Validate(); err != nil {
				log.Fatalln("main:", err)
			}
		}
		log.Infoln("main: remote server is", conf.Server)
		websocks.Conf.RacerTimeout = conf.RacerTimeout()
		if conf.Dnserv != "" {
			net.DefaultResolver = websocks.Resolver(conf.Dnserv)
			log.Infoln("main: domain server is", conf.Dnserv)
		}
		rules := websocks.NewRouterRules()
		if conf.Rule != "" {
			log.Infoln("main: load rule", conf.Rule)
			rules.FromFile(conf.Rule)
			log.Infoln("main: size is", rules.Size())
		}
		client := swan.NewClient(conf.Server, conf.Username, conf.Password)
		router := websocks.NewRouterChain(rules, websocks.NewRouterLocal())
		racer := websocks.NewRacer(client, websocks.NewRouterCache(router))
		racer.Force = conf.Force
		locale := websocks.NewLocale(conf.Listen, racer)
		if err := locale.Run(); err != nil {
			log.Fatalln(err)
		}
		websocks.Hang()
	default:
		printHelpAndExit()
	}
}
