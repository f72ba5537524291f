package session

import (
	"net"
	"testing"
	"time"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/protocol"
	"github.com/gnutellago/leaf/internal/transport"
)

func headers() map[string]string {
	return map[string]string{
		"User-Agent":      "gnutella-leaf/0.1",
		"X-Ultrapeer":     "False",
		"X-Query-Routing": "0.2",
		"Bye-Packet":      "0.1",
		"Accept-Encoding": "deflate",
	}
}

func TestInboundHandshakeHappyPath(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	serverStream := transport.New(a, logger.DefaultLogger)
	clientStream := transport.New(b, logger.DefaultLogger)

	established := make(chan struct{}, 1)
	server := New(Inbound, serverStream, headers(), logger.DefaultLogger)
	server.OnEstablished = func(*Session) { established <- struct{}{} }

	clientEstablished := make(chan struct{}, 1)
	client := New(Outbound, clientStream, headers(), logger.DefaultLogger)
	client.OnEstablished = func(*Session) { clientEstablished <- struct{}{} }

	go serverStream.Run()
	go clientStream.Run()

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("server session never reached ESTABLISHED")
	}
	select {
	case <-clientEstablished:
	case <-time.After(2 * time.Second):
		t.Fatal("client session never reached ESTABLISHED")
	}

	if server.State != Established {
		t.Errorf("server state = %v, want ESTABLISHED", server.State)
	}
	if client.State != Established {
		t.Errorf("client state = %v, want ESTABLISHED", client.State)
	}
}

func TestInboundRejectsUnsupportedVersion(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	serverStream := transport.New(a, logger.DefaultLogger)
	clientStream := transport.New(b, logger.DefaultLogger)

	server := New(Inbound, serverStream, headers(), logger.DefaultLogger)
	server.TriesFor = func() []string { return []string{"1.2.3.4:6346", "5.6.7.8:6346"} }

	rejected := make(chan protocol.Handshake, 1)
	clientStream.OnMessage = func(m protocol.Message) {
		if hs, ok := m.(protocol.Handshake); ok {
			rejected <- hs
		}
	}

	go serverStream.Run()
	go clientStream.Run()

	// Send a CONNECT carrying an unsupported version directly, since
	// Session.Start() always advertises "0.6".
	hs := protocol.Handshake{Kind: protocol.HandshakeConnect, Version: "0.4", Headers: headers()}
	if err := clientStream.SendRaw(protocol.EncodeHandshake(hs)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	select {
	case got := <-rejected:
		if got.Kind != protocol.HandshakeReject || got.Code != 503 {
			t.Fatalf("got %+v, want a 503 rejection", got)
		}
		if _, ok := got.Header("X-Try"); !ok {
			t.Error("rejection missing X-Try candidates")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}

	time.Sleep(50 * time.Millisecond)
	if server.State != Closing {
		t.Errorf("server state = %v, want CLOSING after rejecting unsupported version", server.State)
	}
}
