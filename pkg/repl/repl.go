// Package repl is the interactive command loop of a virtual host.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"toytcp/pkg/iptcpstack"
	"toytcp/pkg/socket"
)

// Stack is the part of *iptcpstack.TCPStack the REPL drives.
type Stack interface {
	Listen(localAddr netip.Addr, localPort uint16) (socket.SockID, error)
	Accept(id socket.SockID) (socket.SockID, error)
	Connect(addr netip.Addr, port uint16) (socket.SockID, error)
	Send(id socket.SockID, data []byte) (int, error)
	Recv(id socket.SockID, buf []byte) (int, error)
	Sockets() []iptcpstack.SocketInfo
}

const usage = `Commands:
  ls                    list sockets
  a <port>              listen on <port> and accept connections
  c <vip> <port>        connect to <vip>:<port>
  s <sid> <text>        send text on socket <sid>
  r <sid> <bytes>       receive up to <bytes> bytes on socket <sid>
  help                  show this message
  exit                  quit`

// Repl numbers sockets in the order it first sees them; those numbers are
// the socket ids commands take.
type Repl struct {
	stack Stack

	outMu sync.Mutex
	out   io.Writer

	mu  sync.Mutex
	ids []socket.SockID
}

func New(stack Stack, out io.Writer) *Repl {
	return &Repl{stack: stack, out: out}
}

// StartRepl reads commands from in until it is exhausted or exit is typed.
func StartRepl(in io.Reader, out io.Writer, stack Stack) {
	New(stack, out).Run(in)
}

func (r *Repl) Run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			return
		}
		if line == "" {
			continue
		}
		if err := r.Execute(line); err != nil {
			r.printf("error: %v\n", err)
		}
	}
}

// Execute runs a single command line.
func (r *Repl) Execute(line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "ls":
		r.list()
		return nil
	case "a":
		return r.listen(rest)
	case "c":
		return r.connect(rest)
	case "s":
		return r.send(rest)
	case "r":
		return r.recv(rest)
	case "help":
		r.printf("%s\n", usage)
		return nil
	}
	return errors.Errorf("unknown command %q, try help", cmd)
}

func (r *Repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// register returns the sid of id, assigning the next one if it is new.
func (r *Repl) register(id socket.SockID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, known := range r.ids {
		if known == id {
			return sid
		}
	}
	r.ids = append(r.ids, id)
	return len(r.ids) - 1
}

func (r *Repl) lookup(arg string) (socket.SockID, error) {
	sid, err := strconv.Atoi(arg)
	if err != nil {
		return socket.SockID{}, errors.Errorf("bad socket id %q", arg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid < 0 || sid >= len(r.ids) {
		return socket.SockID{}, errors.Errorf("no socket %d", sid)
	}
	return r.ids[sid], nil
}

func (r *Repl) list() {
	infos := r.stack.Sockets()
	type row struct {
		sid  int
		info iptcpstack.SocketInfo
	}
	rows := make([]row, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, row{r.register(info.ID), info})
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus\tUnacked")
	for _, row := range rows {
		id := row.info.ID
		status := row.info.Status.String()
		if row.info.Err != nil {
			status += " (" + row.info.Err.Error() + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%d\n",
			row.sid, id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort, status, row.info.Unacked)
	}
	w.Flush()
}

func (r *Repl) listen(args string) error {
	port, err := strconv.ParseUint(args, 10, 16)
	if err != nil {
		return errors.New("usage: a <port>")
	}
	lid, err := r.stack.Listen(socket.UndeterminedAddr, uint16(port))
	if err != nil {
		return err
	}
	sid := r.register(lid)
	r.printf("Listening on port %d, socket %d\n", port, sid)

	go func() {
		for {
			id, err := r.stack.Accept(lid)
			if err != nil {
				r.printf("accept on socket %d stopped: %v\n", sid, err)
				return
			}
			r.printf("New connection on socket %d => created new socket %d\n", sid, r.register(id))
		}
	}()
	return nil
}

func (r *Repl) connect(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return errors.New("usage: c <vip> <port>")
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return errors.Errorf("bad address %q", fields[0])
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return errors.Errorf("bad port %q", fields[1])
	}
	id, err := r.stack.Connect(addr, uint16(port))
	if err != nil {
		return err
	}
	r.printf("Created new socket with ID %d\n", r.register(id))
	return nil
}

func (r *Repl) send(args string) error {
	sidArg, text, ok := strings.Cut(args, " ")
	if !ok || text == "" {
		return errors.New("usage: s <sid> <text>")
	}
	id, err := r.lookup(sidArg)
	if err != nil {
		return err
	}
	n, err := r.stack.Send(id, []byte(text))
	if err != nil {
		return err
	}
	r.printf("Sent %d bytes\n", n)
	return nil
}

func (r *Repl) recv(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return errors.New("usage: r <sid> <bytes>")
	}
	id, err := r.lookup(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil || size <= 0 {
		return errors.Errorf("bad byte count %q", fields[1])
	}
	buf := make([]byte, size)
	n, err := r.stack.Recv(id, buf)
	if err != nil {
		return err
	}
	r.printf("Read %d bytes: %s\n", n, buf[:n])
	return nil
}
