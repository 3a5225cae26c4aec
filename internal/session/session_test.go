package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/balancer"
)

func mustHost(t *testing.T, s string) addr.HostAddress {
	h, err := addr.HostFromStr(s)
	if err != nil {
		t.Fatalf("addr.HostFromStr(%q): %v", s, err)
	}
	return h
}

func newLoopbackManager(t *testing.T) *balancer.Manager {
	m := balancer.NewManager()
	m.Add(mustHost(t, "127.0.0.1"), 1)
	return m
}

// echoServer accepts one connection, echoes everything it reads, and
// reports the accepted address's port.
func echoServer(t *testing.T) (port uint16, done chan struct{}) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})
	addrPort := ln.Addr().(*net.TCPAddr).Port

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	return uint16(addrPort), done
}

func TestSessionConnectAndRelay(t *testing.T) {
	port, _ := echoServer(t)

	client, server := net.Pipe()
	defer client.Close()

	sess := New(server, newLoopbackManager(t), Config{})
	go sess.Run()

	// Greeting.
	if _, err := client.Write([]byte{version5, 1, methodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetReply := make([]byte, 2)
	if _, err := io.ReadFull(client, greetReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetReply[0] != version5 || greetReply[1] != methodNoAuth {
		t.Fatalf("greeting reply = %v, want [5 0]", greetReply)
	}

	// CONNECT request to the loopback echo server.
	req := []byte{version5, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, 0, 0}
	binary.BigEndian.PutUint16(req[8:10], port)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != repSuccess {
		t.Fatalf("reply code = %#x, want success", reply[1])
	}

	payload := []byte("hello through the dispatcher")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoed := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("echoed = %q, want %q", echoed, payload)
	}
}

func TestSessionRejectsUnsupportedCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := New(server, newLoopbackManager(t), Config{})
	go sess.Run()

	client.Write([]byte{version5, 1, methodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	// CMD=0x02 (BIND), unsupported.
	req := []byte{version5, 0x02, 0x00, atypIPv4, 127, 0, 0, 1, 0x04, 0x38}
	client.Write(req)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repCommandNotSupported {
		t.Fatalf("reply code = %#x, want %#x", reply[1], repCommandNotSupported)
	}
}

func TestSessionNoInterfaceForFamily(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	m := balancer.NewManager() // no interfaces at all
	sess := New(server, m, Config{})
	go sess.Run()

	client.Write([]byte{version5, 1, methodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	req := []byte{version5, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, 0x04, 0x38}
	client.Write(req)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repNetworkUnreachable {
		t.Fatalf("reply code = %#x, want %#x", reply[1], repNetworkUnreachable)
	}
}

type fakeResolver struct {
	addrs []string
	err   error
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return f.addrs, f.err
}

func TestSessionResolvesDomainTarget(t *testing.T) {
	port, _ := echoServer(t)

	client, server := net.Pipe()
	defer client.Close()

	cfg := Config{Resolver: fakeResolver{addrs: []string{"127.0.0.1"}}}
	sess := New(server, newLoopbackManager(t), cfg)
	go sess.Run()

	client.Write([]byte{version5, 1, methodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	domain := "example.invalid"
	req := make([]byte, 0, 7+len(domain))
	req = append(req, version5, cmdConnect, 0x00, atypDomain, byte(len(domain)))
	req = append(req, domain...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	req = append(req, portBytes...)
	client.Write(req)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repSuccess {
		t.Fatalf("reply code = %#x, want success", reply[1])
	}
}

// refusedPort opens a loopback listener, grabs its port, and closes it
// immediately, guaranteeing ECONNREFUSED on the next dial there.
func refusedPort(t *testing.T) uint16 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

func TestSessionDialFailureRepliesConnectionRefused(t *testing.T) {
	port := refusedPort(t)

	client, server := net.Pipe()
	defer client.Close()

	sess := New(server, newLoopbackManager(t), Config{})
	go sess.Run()

	client.Write([]byte{version5, 1, methodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	req := []byte{version5, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, 0, 0}
	binary.BigEndian.PutUint16(req[8:10], port)
	client.Write(req)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repConnectionRefused {
		t.Fatalf("reply code = %#x, want %#x", reply[1], repConnectionRefused)
	}
}

func TestSessionMalformedGreetingClosesSilently(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := New(server, newLoopbackManager(t), Config{})
	go sess.Run()

	// VER=0x04 instead of 0x05: readGreeting rejects it and Run returns
	// without writing any reply.
	client.Write([]byte{0x04, 1, methodNoAuth})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if err == nil {
		t.Fatalf("read = %d bytes, %v; want an error and zero bytes", n, err)
	}
	if n != 0 {
		t.Fatalf("read %d bytes before error, want 0", n)
	}
}

func TestSessionDomainResolutionFailureRepliesHostUnreachable(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := Config{Resolver: fakeResolver{err: errors.New("no such host")}}
	sess := New(server, newLoopbackManager(t), cfg)
	go sess.Run()

	client.Write([]byte{version5, 1, methodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	domain := "example.invalid"
	req := make([]byte, 0, 7+len(domain))
	req = append(req, version5, cmdConnect, 0x00, atypDomain, byte(len(domain)))
	req = append(req, domain...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repHostUnreachable {
		t.Fatalf("reply code = %#x, want %#x", reply[1], repHostUnreachable)
	}
}
