package fmtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
)

// ControlTarget is the subset of Receiver the control socket can act on.
type ControlTarget interface {
	SetLinkSpeed(bps uint64)
	Stop()
}

// ControlServer listens on a Unix-domain socket for a tiny line-oriented
// protocol: "SETLINKSPEED <bps>\n" and "STOP\n", each answered with
// "OK\n" or "ERR <message>\n". It exists so an operator can reach a
// running fmtprecvd without a second RPC framework.
type ControlServer struct {
	path     string
	listener net.Listener
	target   ControlTarget
	log      logger.Logger
}

// NewControlServer binds a Unix-domain socket at path, removing any stale
// socket file left behind by a prior, uncleanly-stopped instance.
func NewControlServer(path string, target ControlTarget, log logger.Logger) (*ControlServer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("fmtp: removing stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &ControlServer{path: path, listener: ln, target: target, log: log}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *ControlServer) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warnw("control socket accept failed", "error", err)
				return
			}
		}
		go s.handle(conn)
	}
}

func (s *ControlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (s *ControlServer) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command\n"
	}
	switch strings.ToUpper(fields[0]) {
	case "SETLINKSPEED":
		if len(fields) != 2 {
			return "ERR usage: SETLINKSPEED <bps>\n"
		}
		bps, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "ERR invalid bps: " + err.Error() + "\n"
		}
		s.target.SetLinkSpeed(bps)
		return "OK\n"
	case "STOP":
		go s.target.Stop()
		return "OK\n"
	default:
		return "ERR unknown command: " + fields[0] + "\n"
	}
}

// Close releases the listener and removes the socket file.
func (s *ControlServer) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}
