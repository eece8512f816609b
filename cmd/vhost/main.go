package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"toytcp/pkg/iptcpstack"
	"toytcp/pkg/lnxconfig"
	"toytcp/pkg/repl"
)

func main() {
	configFile := flag.String("config", "", "virtual host `lnx file`")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()
	if *configFile == "" {
		fmt.Printf("Usage:  %s --config <lnx file>\n", os.Args[0])
		os.Exit(1)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(level)
	// Keep log lines out of the REPL's stdout.
	log.SetOutput(os.Stderr)

	lnxConfig, err := lnxconfig.ParseConfig(*configFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	//sets everything up
	stack, err := initializeStack(lnxConfig, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start the stack")
	}
	defer stack.Close()

	repl.StartRepl(os.Stdin, os.Stdout, stack)
}

func initializeStack(lnxConfig *lnxconfig.IPConfig, log *logrus.Logger) (*iptcpstack.TCPStack, error) {
	link, err := lnxConfig.NewUDPLink(log)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"iface": link.Iface.Name,
		"vip":   link.Iface.AssignedIP,
		"udp":   link.LocalUDPAddr(),
	}).Info("interface up")

	config := iptcpstack.DefaultConfig()
	config.Logger = log
	stack, err := iptcpstack.InitializeTCP(link, link, lnxConfig.TCPConfig(config))
	if err != nil {
		link.Close()
		return nil, err
	}
	return stack, nil
}
