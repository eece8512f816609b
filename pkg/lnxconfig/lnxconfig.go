// Package lnxconfig reads .lnx files, which describe one virtual host: its
// interface on the UDP-emulated network, its neighbors and TCP tunables.
//
//	interface if0 10.0.0.1/24 127.0.0.1:5000
//	neighbor 10.0.0.2 at 127.0.0.1:5001 via if0
//	tcp-rto 3s
//	tcp-max-transmissions 5
//	tcp-port-range 40000 60000
//	tcp-mss 1460
//
// Lines starting with # are comments. Routing directives are accepted and
// ignored: a host only talks to its neighbors.
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/iptcpstack"
)

type NeighborConfig struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

type IPConfig struct {
	Interfaces []ipstack.Interface
	Neighbors  []NeighborConfig

	// Zero values leave the engine's defaults alone.
	RetransmissionTimeout time.Duration
	MaxTransmissions      uint8
	PortRange             iptcpstack.PortRange
	MSS                   int
}

var ignored = map[string]bool{
	"routing": true,
	"route":   true,
	"rip":     true,
}

func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config")
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

func Parse(r io.Reader) (*IPConfig, error) {
	cfg := &IPConfig{}
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		var err error
		switch fields[0] {
		case "interface":
			err = cfg.parseInterface(fields[1:])
		case "neighbor":
			err = cfg.parseNeighbor(fields[1:])
		case "tcp-rto":
			err = expect(fields, 2)
			if err == nil {
				cfg.RetransmissionTimeout, err = time.ParseDuration(fields[1])
				if err == nil && cfg.RetransmissionTimeout <= 0 {
					err = errors.New("timeout must be positive")
				}
			}
		case "tcp-max-transmissions":
			err = expect(fields, 2)
			if err == nil {
				var n uint64
				n, err = strconv.ParseUint(fields[1], 10, 8)
				cfg.MaxTransmissions = uint8(n)
				if err == nil && n == 0 {
					err = errors.New("need at least one transmission")
				}
			}
		case "tcp-port-range":
			err = cfg.parsePortRange(fields)
		case "tcp-mss":
			err = expect(fields, 2)
			if err == nil {
				var n uint64
				n, err = strconv.ParseUint(fields[1], 10, 16)
				cfg.MSS = int(n)
				if err == nil && n == 0 {
					err = errors.New("mss must be positive")
				}
			}
		default:
			if !ignored[fields[0]] {
				err = errors.Errorf("unknown directive %q", fields[0])
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return cfg, cfg.validate()
}

func expect(fields []string, n int) error {
	if len(fields) != n {
		return errors.Errorf("%s takes %d argument(s), got %d", fields[0], n-1, len(fields)-1)
	}
	return nil
}

// interface <name> <vip>/<bits> <udp-addr>
func (c *IPConfig) parseInterface(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: interface <name> <vip>/<bits> <udp-addr>")
	}
	prefix, err := netip.ParsePrefix(args[1])
	if err != nil {
		return errors.Wrap(err, "bad interface address")
	}
	udpAddr, err := netip.ParseAddrPort(args[2])
	if err != nil {
		return errors.Wrap(err, "bad UDP address")
	}
	for _, iface := range c.Interfaces {
		if iface.Name == args[0] {
			return errors.Errorf("interface %s defined twice", args[0])
		}
	}
	c.Interfaces = append(c.Interfaces, ipstack.Interface{
		Name:           args[0],
		AssignedIP:     prefix.Addr(),
		AssignedPrefix: prefix.Masked(),
		UDPAddr:        udpAddr,
	})
	return nil
}

// neighbor <vip> at <udp-addr> via <ifname>
func (c *IPConfig) parseNeighbor(args []string) error {
	if len(args) != 5 || args[1] != "at" || args[3] != "via" {
		return errors.New("usage: neighbor <vip> at <udp-addr> via <ifname>")
	}
	vip, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "bad neighbor address")
	}
	udpAddr, err := netip.ParseAddrPort(args[2])
	if err != nil {
		return errors.Wrap(err, "bad UDP address")
	}
	c.Neighbors = append(c.Neighbors, NeighborConfig{DestAddr: vip, UDPAddr: udpAddr, InterfaceName: args[4]})
	return nil
}

// tcp-port-range <start> <end>, end exclusive
func (c *IPConfig) parsePortRange(fields []string) error {
	if err := expect(fields, 3); err != nil {
		return err
	}
	start, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return errors.Wrap(err, "bad range start")
	}
	end, err := strconv.ParseUint(fields[2], 10, 17)
	if err != nil || end > 65536 {
		return errors.Errorf("bad range end %q", fields[2])
	}
	if start == 0 || end <= start {
		return errors.Errorf("empty port range [%d, %d)", start, end)
	}
	if end == 65536 {
		// PortRange is uint16, the last port cannot be the exclusive end.
		end = 65535
	}
	c.PortRange = iptcpstack.PortRange{Start: uint16(start), End: uint16(end)}
	return nil
}

func (c *IPConfig) validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("no interface defined")
	}
	for _, n := range c.Neighbors {
		if _, ok := c.Interface(n.InterfaceName); !ok {
			return errors.Errorf("neighbor %s via unknown interface %s", n.DestAddr, n.InterfaceName)
		}
	}
	return nil
}

func (c *IPConfig) Interface(name string) (ipstack.Interface, bool) {
	for _, iface := range c.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return ipstack.Interface{}, false
}

// NeighborsOf lists the neighbors reached through the named interface.
func (c *IPConfig) NeighborsOf(name string) []ipstack.Neighbor {
	var out []ipstack.Neighbor
	for _, n := range c.Neighbors {
		if n.InterfaceName == name {
			out = append(out, ipstack.Neighbor{DestAddr: n.DestAddr, UDPAddr: n.UDPAddr})
		}
	}
	return out
}

// NewUDPLink binds the host's first interface and routes to its neighbors.
func (c *IPConfig) NewUDPLink(log logrus.FieldLogger) (*ipstack.UDPLink, error) {
	if len(c.Interfaces) == 0 {
		return nil, errors.New("no interface defined")
	}
	iface := c.Interfaces[0]
	if len(c.Interfaces) > 1 {
		log.WithField("iface", iface.Name).Warn("hosts have a single interface, ignoring the others")
	}
	return ipstack.NewUDPLink(iface, c.NeighborsOf(iface.Name), log)
}

// TCPConfig overrides base with the tcp-* directives present in the file.
func (c *IPConfig) TCPConfig(base iptcpstack.Config) iptcpstack.Config {
	if c.RetransmissionTimeout > 0 {
		base.RetransmissionTimeout = c.RetransmissionTimeout
	}
	if c.MaxTransmissions > 0 {
		base.MaxTransmissions = c.MaxTransmissions
	}
	if c.PortRange.Size() > 0 {
		base.PortRange = c.PortRange
	}
	if c.MSS > 0 {
		base.MSS = c.MSS
	}
	return base
}
