package gateway

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/mesh"
	"go.uber.org/zap"
)

// startTestGateway binds ephemeral ports so tests can run in parallel
// CI. The respond port is a real bound socket handed to the caller so
// POLO has somewhere to land.
func startTestGateway(t *testing.T) (*Gateway, chan mesh.Indication, *net.UDPConn) {
	t.Helper()

	respond, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding respond socket: %v", err)
	}

	ingress := make(chan mesh.Indication, 16)
	cfg := config.GatewayConfig{
		CommHost:      "127.0.0.1",
		CommPort:      0,
		AdListenPort:  0,
		AdRespondPort: respond.LocalAddr().(*net.UDPAddr).Port,
	}
	g := New(cfg, ingress, zap.NewNop())
	if err := g.Start(); err != nil {
		respond.Close()
		t.Fatalf("starting gateway: %v", err)
	}
	t.Cleanup(func() {
		g.Stop()
		respond.Close()
	})
	return g, ingress, respond
}

// testHeader builds a minimal valid mesh header body.
func testHeader(t *testing.T) []byte {
	t.Helper()
	m := mesh.NewMessage()
	m.SetAddr("0807060504030201")
	m.DType = mesh.DTypePLM
	raw, err := m.Encode()
	if err != nil {
		t.Fatalf("encoding header: %v", err)
	}
	return raw
}

func recvIndication(t *testing.T, ingress chan mesh.Indication) mesh.Indication {
	t.Helper()
	select {
	case ind := <-ingress:
		return ind
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingress indication")
		return mesh.Indication{}
	}
}

func TestFramer_SingleFrame(t *testing.T) {
	g, ingress, _ := startTestGateway(t)

	conn, err := net.Dial("tcp", g.Addr().String())
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	defer conn.Close()

	body := testHeader(t)
	frame, err := mesh.Frame(body)
	if err != nil {
		t.Fatalf("framing: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	ind := recvIndication(t, ingress)
	if ind.Kind != mesh.MeshIndication {
		t.Errorf("expected kind %q, got %q", mesh.MeshIndication, ind.Kind)
	}
	if ind.Length != len(body) {
		t.Errorf("expected length %d, got %d", len(body), ind.Length)
	}
	if !bytes.Equal(ind.Body, body) {
		t.Errorf("body mismatch:\n got %x\nwant %x", ind.Body, body)
	}
	if ind.ReceivedOn.IsZero() {
		t.Error("receivedOn not stamped")
	}

	msg, err := mesh.Decode(ind.Body)
	if err != nil {
		t.Fatalf("decoding ingress body: %v", err)
	}
	if msg.DType != mesh.DTypePLM {
		t.Errorf("expected dtype PLM, got %d", msg.DType)
	}
	if len(msg.Commands) != 0 {
		t.Errorf("expected no commands, got %d", len(msg.Commands))
	}
}

func TestFramer_BadMagicKeepsConnection(t *testing.T) {
	g, ingress, _ := startTestGateway(t)

	conn, err := net.Dial("tcp", g.Addr().String())
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	defer conn.Close()

	body := testHeader(t)
	frame, err := mesh.Frame(body)
	if err != nil {
		t.Fatalf("framing: %v", err)
	}

	// Garbage magic first; a valid frame on the same connection must
	// still come through.
	if _, err := conn.Write(append([]byte("XX"), frame...)); err != nil {
		t.Fatalf("writing: %v", err)
	}

	ind := recvIndication(t, ingress)
	if !bytes.Equal(ind.Body, body) {
		t.Errorf("valid frame lost after bad magic")
	}
}

func TestFramer_ReceivedOnMonotonic(t *testing.T) {
	g, ingress, _ := startTestGateway(t)

	conn, err := net.Dial("tcp", g.Addr().String())
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	defer conn.Close()

	frame, err := mesh.Frame(testHeader(t))
	if err != nil {
		t.Fatalf("framing: %v", err)
	}
	if _, err := conn.Write(append(frame, frame...)); err != nil {
		t.Fatalf("writing: %v", err)
	}

	first := recvIndication(t, ingress)
	second := recvIndication(t, ingress)
	if second.ReceivedOn.Before(first.ReceivedOn) {
		t.Errorf("receivedOn went backwards: %v then %v",
			first.ReceivedOn, second.ReceivedOn)
	}
}

func TestDiscovery_MarcoPolo(t *testing.T) {
	g, _, respond := startTestGateway(t)

	// The requester sends MARCO from an ephemeral socket; POLO must
	// land on the fixed respond port, not the request's source port.
	sender, err := net.DialUDP("udp", nil, g.UDPAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dialing udp: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte("MARCO\n")); err != nil {
		t.Fatalf("sending marco: %v", err)
	}

	respond.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := respond.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("waiting for polo: %v", err)
	}
	if string(buf[:n]) != "POLO" {
		t.Errorf("expected POLO, got %q", buf[:n])
	}
}

func TestDiscovery_IgnoresOtherDatagrams(t *testing.T) {
	g, _, respond := startTestGateway(t)

	sender, err := net.DialUDP("udp", nil, g.UDPAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dialing udp: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte("HELLO")); err != nil {
		t.Fatalf("sending datagram: %v", err)
	}

	respond.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if n, _, err := respond.ReadFromUDP(buf); err == nil {
		t.Errorf("unexpected response to non-MARCO datagram: %q", buf[:n])
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	g, _, _ := startTestGateway(t)

	if err := g.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !g.Listening() {
		t.Error("gateway should report listening")
	}
	g.Stop()
	g.Stop()
	if g.Listening() {
		t.Error("gateway should report stopped")
	}
}
