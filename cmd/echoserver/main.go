// Command echoserver listens on one port and writes back whatever each
// connection sends. It runs on a virtual host (--config) or, with --raw,
// directly over raw IPv4 sockets, which needs CAP_NET_RAW and a firewall rule
// dropping the kernel's RSTs for the port.
package main

import (
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/iptcpstack"
	"toytcp/pkg/lnxconfig"
	"toytcp/pkg/socket"
)

func main() {
	configFile := flag.String("config", "", "virtual host `lnx file`")
	raw := flag.Bool("raw", false, "use raw IPv4 sockets instead of a virtual host")
	addr := flag.String("addr", "0.0.0.0", "address to listen on")
	port := flag.Uint("port", 8080, "port to listen on")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(level)

	listenAddr, err := netip.ParseAddr(*addr)
	if err != nil || *port == 0 || *port > 65535 {
		log.Fatalf("bad listen address %s:%d", *addr, *port)
	}

	stack, err := openStack(*configFile, *raw, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start the stack")
	}

	lid, err := stack.Listen(listenAddr, uint16(*port))
	if err != nil {
		log.WithError(err).Fatal("listen failed")
	}
	log.WithField("sock", lid).Info("echo server listening")

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		stack.Close()
	}()

	for {
		id, err := stack.Accept(lid)
		if err != nil {
			if errors.Is(err, iptcpstack.ErrClosed) {
				return
			}
			log.WithError(err).Error("accept failed")
			continue
		}
		log.WithField("sock", id).Info("connection accepted")
		go echo(stack, id, log.WithField("sock", id))
	}
}

func openStack(configFile string, raw bool, log *logrus.Logger) (*iptcpstack.TCPStack, error) {
	config := iptcpstack.DefaultConfig()
	config.Logger = log

	var link ipstack.Link
	var resolver ipstack.SourceResolver
	switch {
	case raw:
		rawLink, err := ipstack.ListenRaw()
		if err != nil {
			return nil, err
		}
		link, resolver = rawLink, ipstack.KernelResolver{}
	case configFile != "":
		lnxConfig, err := lnxconfig.ParseConfig(configFile)
		if err != nil {
			return nil, err
		}
		udpLink, err := lnxConfig.NewUDPLink(log)
		if err != nil {
			return nil, err
		}
		link, resolver = udpLink, udpLink
		config = lnxConfig.TCPConfig(config)
	default:
		return nil, errors.New("need --config or --raw")
	}

	stack, err := iptcpstack.InitializeTCP(link, resolver, config)
	if err != nil {
		link.Close()
		return nil, err
	}
	return stack, nil
}

func echo(stack *iptcpstack.TCPStack, id socket.SockID, log logrus.FieldLogger) {
	buf := make([]byte, socket.SOCKET_BUFFER_SIZE)
	for {
		n, err := stack.Recv(id, buf)
		if err != nil {
			log.WithError(err).Info("connection done")
			return
		}
		if _, err := stack.Send(id, buf[:n]); err != nil {
			log.WithError(err).Info("connection done")
			return
		}
	}
}
