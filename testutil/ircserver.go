package testutil

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// WaitTimeout bounds every blocking helper in this file.
const WaitTimeout = 2 * time.Second

// ErrRefused is returned by PipeServer.Dial while failures are queued.
var ErrRefused = errors.New("testutil: connection refused")

// PipeServer hands out in-memory transports to IRC connections under test.
// Pass its Dial method as the connection's dial function.
type PipeServer struct {
	t *testing.T

	mu    sync.Mutex
	fail  int
	peers []*Peer

	attempts chan struct{}
	accepted chan *Peer
}

// NewPipeServer returns a server whose peers are closed when the test ends.
func NewPipeServer(t *testing.T) *PipeServer {
	t.Helper()
	s := &PipeServer{
		t:        t,
		attempts: make(chan struct{}, 64),
		accepted: make(chan *Peer, 16),
	}
	t.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range s.peers {
			p.Close()
		}
	})
	return s
}

// FailNext makes the next n dials return ErrRefused.
func (s *PipeServer) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = n
}

// Dial has the signature of net.Dialer.DialContext.
func (s *PipeServer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	s.attempts <- struct{}{}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return nil, ErrRefused
	}
	client, server := net.Pipe()
	p := newPeer(server)
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	s.accepted <- p
	return client, nil
}

// WaitAttempt blocks until the next dial attempt, successful or not.
func (s *PipeServer) WaitAttempt(t *testing.T) {
	t.Helper()
	select {
	case <-s.attempts:
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for a dial attempt")
	}
}

// NoAttempt fails the test if a dial attempt is pending.
func (s *PipeServer) NoAttempt(t *testing.T) {
	t.Helper()
	select {
	case <-s.attempts:
		t.Fatal("unexpected dial attempt")
	default:
	}
}

// Accept returns the server side of the next successful dial.
func (s *PipeServer) Accept(t *testing.T) *Peer {
	t.Helper()
	select {
	case p := <-s.accepted:
		return p
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// Peer is the server end of one transport. Everything the client writes is
// collected line by line.
type Peer struct {
	conn   net.Conn
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

func newPeer(conn net.Conn) *Peer {
	p := &Peer{conn: conn, lines: make(chan string, 64), closed: make(chan struct{})}
	go func() {
		defer close(p.closed)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			p.lines <- strings.TrimRight(line, "\r\n")
		}
	}()
	return p
}

// Send writes line followed by CR LF.
func (p *Peer) Send(t *testing.T, line string) {
	t.Helper()
	p.SendRaw(t, line+"\r\n")
}

// SendRaw writes s unchanged.
func (p *Peer) SendRaw(t *testing.T, s string) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(WaitTimeout))
	if _, err := p.conn.Write([]byte(s)); err != nil {
		t.Fatalf("peer write %q: %v", s, err)
	}
}

// Next returns the next line the client sent, without CR LF.
func (p *Peer) Next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.lines:
		return line
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for a line from the client")
		return ""
	}
}

// Expect fails the test unless the next client line equals want.
func (p *Peer) Expect(t *testing.T, want string) {
	t.Helper()
	if got := p.Next(t); got != want {
		t.Fatalf("client sent %q, want %q", got, want)
	}
}

// WaitClosed blocks until the client side of the transport is closed.
func (p *Peer) WaitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.closed:
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for the client to close the transport")
	}
}

// Closed reports whether the transport has ended.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Close ends the transport from the server side.
func (p *Peer) Close() {
	p.once.Do(func() { _ = p.conn.Close() })
}
