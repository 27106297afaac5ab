package dhcpd

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Server listens for BOOTP/DHCP datagrams on UDP port 67 of every local
// address and feeds them to an Engine, tagged with Iface. It owns the socket Start opens and the goroutine that reads
// from it; Stop closes both and waits for the goroutine to exit.
type Server struct {
	Engine *Engine
	Iface  *net.Interface
	Logger *slog.Logger

	conn   *net.UDPConn
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer returns a Server bound to iface, driving engine.
func NewServer(engine *Engine, iface *net.Interface) *Server {
	return &Server{Engine: engine, Iface: iface, Logger: engine.Logger}
}

// Start opens the listening socket and begins serving datagrams in the
// background. It returns once the socket is open; Serve errors after that
// point are logged, not returned.
func (s *Server) Start() (err error) {
	defer func() { err = errors.Annotate(err, "dhcpd: starting server: %w") }()

	addr := &net.UDPAddr{Port: serverPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	if s.Engine.Sender == nil {
		s.Engine.Sender = &UDPSender{conn: conn}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.serve(ctx)

	s.Logger.InfoContext(ctx, "dhcpd: listening", "iface", s.Iface.Name)

	return nil
}

// serve reads datagrams until ctx is cancelled or the socket is closed.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.WarnContext(ctx, "dhcpd: read failed", slogutil.KeyError, err)
			return
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.Engine.DoPacket(ctx, raw, s.Iface, addr)
	}
}

// Stop closes the socket and waits for the serving goroutine to exit.
func (s *Server) Stop() error {
	if s.conn == nil {
		return nil
	}
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	s.conn = nil
	return err
}
