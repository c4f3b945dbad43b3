// Package gateway owns the monitor-facing sockets: the framed TCP
// listener field monitors stream samples over and the UDP
// autodiscovery responder they use to find us.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/metrics"
	"go.uber.org/zap"
)

// Autodiscovery payloads. A monitor broadcasts MARCO; we answer POLO
// to its configured respond port.
var (
	discoveryRequest  = []byte("MARCO")
	discoveryResponse = []byte("POLO")
)

// Gateway runs the TCP MI framer and the UDP MARCO/POLO responder on a
// shared bind host. Framed payloads go to the ingress queue stamped
// with their receive time.
type Gateway struct {
	cfg     config.GatewayConfig
	ingress chan<- mesh.Indication
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	ln      net.Listener
	udp     *net.UDPConn
	conns   map[net.Conn]struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg config.GatewayConfig, ingress chan<- mesh.Indication, log *zap.Logger) *Gateway {
	return &Gateway{cfg: cfg, ingress: ingress, log: log}
}

// Start binds both listeners and launches their accept loops.
// Idempotent: a second Start on a running gateway is a no-op.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	tcpAddr := net.JoinHostPort(g.cfg.CommHost, strconv.Itoa(g.cfg.CommPort))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("gateway: binding tcp %s: %w", tcpAddr, err)
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(g.cfg.CommHost), Port: g.cfg.AdListenPort}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("gateway: binding udp %s:%d: %w", g.cfg.CommHost, g.cfg.AdListenPort, err)
	}

	g.ln = ln
	g.udp = udp
	g.conns = make(map[net.Conn]struct{})
	g.done = make(chan struct{})
	g.running = true

	g.wg.Add(2)
	go g.acceptLoop(ln)
	go g.discoveryLoop(udp)

	g.log.Info("gateway listening",
		zap.String("tcp", ln.Addr().String()),
		zap.String("udp", udp.LocalAddr().String()),
		zap.Int("ad_respond_port", g.cfg.AdRespondPort),
	)
	return nil
}

// Stop closes the TCP listener, waits for connection workers to
// return, then closes the UDP endpoint. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.done)
	ln, udp := g.ln, g.udp
	g.mu.Unlock()

	ln.Close()
	g.mu.Lock()
	for c := range g.conns {
		c.Close()
	}
	g.mu.Unlock()
	udp.Close()
	g.wg.Wait()
	g.log.Info("gateway stopped")
}

// Listening reports whether both listeners are up; feeds readiness.
func (g *Gateway) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Addr returns the bound TCP address, useful when the configured port
// is 0.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// UDPAddr returns the bound autodiscovery address.
func (g *Gateway) UDPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.udp == nil {
		return nil
	}
	return g.udp.LocalAddr()
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-g.done:
				return
			default:
			}
			g.log.Warn("gateway: accept failed", zap.Error(err))
			continue
		}
		metrics.ConnectionsActive.Inc()
		g.mu.Lock()
		g.conns[conn] = struct{}{}
		g.mu.Unlock()
		g.wg.Add(1)
		go g.serveConn(conn)
	}
}

// serveConn reads MI frames off one monitor connection until the peer
// goes away. A bad magic is logged and skipped; the connection stays
// up because monitors stream many frames over one long-lived link.
func (g *Gateway) serveConn(conn net.Conn) {
	defer g.wg.Done()
	defer metrics.ConnectionsActive.Dec()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	peer := conn.RemoteAddr().String()
	g.log.Info("monitor connected", zap.String("peer", peer))

	var magic [2]byte
	var lengthByte [1]byte
	for {
		if _, err := io.ReadFull(conn, magic[:]); err != nil {
			g.logDisconnect(peer, err)
			return
		}
		if string(magic[:]) != mesh.FrameMagic {
			metrics.FramesTotal.WithLabelValues("bad_magic").Inc()
			g.log.Warn("gateway: skipping bytes with bad frame magic",
				zap.String("peer", peer),
				zap.ByteString("magic", magic[:]),
			)
			continue
		}
		if _, err := io.ReadFull(conn, lengthByte[:]); err != nil {
			g.logDisconnect(peer, err)
			return
		}
		length := int(lengthByte[0])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			g.logDisconnect(peer, err)
			return
		}

		ind := mesh.Indication{
			Gateway:    "emulator",
			Kind:       mesh.MeshIndication,
			Length:     length,
			Body:       body,
			ReceivedOn: time.Now().UTC(),
		}
		select {
		case g.ingress <- ind:
			metrics.FramesTotal.WithLabelValues("ok").Inc()
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) logDisconnect(peer string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		g.log.Info("monitor disconnected", zap.String("peer", peer))
		return
	}
	g.log.Warn("monitor read failed", zap.String("peer", peer), zap.Error(err))
}

// discoveryLoop answers MARCO datagrams with POLO sent to the fixed
// respond port on the sender's address, not the sender's ephemeral
// source port. Anything else is ignored.
func (g *Gateway) discoveryLoop(udp *net.UDPConn) {
	defer g.wg.Done()
	buf := make([]byte, 64)
	for {
		n, sender, err := udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-g.done:
				return
			default:
			}
			g.log.Warn("gateway: udp read failed", zap.Error(err))
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(buf[:n]), discoveryRequest) {
			metrics.DiscoveryTotal.WithLabelValues("ignored").Inc()
			continue
		}
		dest := &net.UDPAddr{IP: sender.IP, Port: g.cfg.AdRespondPort}
		if _, err := udp.WriteToUDP(discoveryResponse, dest); err != nil {
			metrics.DiscoveryTotal.WithLabelValues("error").Inc()
			g.log.Warn("gateway: polo send failed",
				zap.String("dest", dest.String()), zap.Error(err))
			continue
		}
		metrics.DiscoveryTotal.WithLabelValues("answered").Inc()
		g.log.Debug("answered discovery",
			zap.String("requester", sender.String()),
			zap.String("dest", dest.String()),
		)
	}
}
