package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/onnwee/shodan/telemetry"
	"github.com/onnwee/shodan/testutil"
)

const testHost = "irc.test"

type harness struct {
	srv  *testutil.PipeServer
	clk  *clockwork.FakeClock
	conn *Conn
}

// startConn runs a Conn against a pipe server on a fake clock. The Conn is
// stopped when the test ends.
func startConn(t *testing.T, d *Dispatcher, failures int) *harness {
	t.Helper()
	return startConnOn(t, clockwork.NewFakeClockAt(time.Unix(0, 0)), t.Name(), d, failures)
}

// startConnOn is startConn with a shared clock, for tests driving several
// connections.
func startConnOn(t *testing.T, clk *clockwork.FakeClock, name string, d *Dispatcher, failures int) *harness {
	t.Helper()
	h := &harness{srv: testutil.NewPipeServer(t), clk: clk}
	h.srv.FailNext(failures)
	h.conn = NewConn(Options{
		Name:     name,
		Host:     testHost,
		Port:     6667,
		Dial:     h.srv.Dial,
		Handlers: d,
		Clock:    h.clk,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(testutil.WaitTimeout):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

// waitTimers blocks until at least n timers or tickers are pending on clk.
func waitTimers(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

// armed reports whether a PONG deadline is pending on c.
func armed(c *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline != nil
}

func waitTimeouts(t *testing.T, c *Conn, want int64) {
	t.Helper()
	deadline := time.Now().Add(testutil.WaitTimeout)
	for c.timeouts.Load() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timeouts = %d, want %d", c.timeouts.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(testutil.WaitTimeout)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// recorder forwards every dispatched message for the given signals.
func recorder(sigs ...Signal) (*Dispatcher, <-chan *Message) {
	d := NewDispatcher()
	ch := make(chan *Message, 16)
	for _, s := range sigs {
		d.Handle(s, func(_ context.Context, _ *Conn, m *Message) error {
			ch <- m
			return nil
		})
	}
	return d, ch
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("timed out waiting for a dispatched message")
		return nil
	}
}

func TestConnectSignalRunsHandshake(t *testing.T) {
	d := NewDispatcher()
	d.Handle(SignalConnect, func(ctx context.Context, c *Conn, m *Message) error {
		if m.Source.Host != testHost {
			t.Errorf("connect source host = %q", m.Source.Host)
		}
		for _, step := range []func() error{
			func() error { return c.Pass(ctx, "oauth:secret") },
			func() error { return c.Nick(ctx, "shodan") },
			func() error { return c.Join(ctx, "#chan") },
			func() error { return c.CapReq(ctx, "twitch.tv/tags") },
		} {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)

	p.Expect(t, "PASS oauth:secret")
	p.Expect(t, "NICK shodan")
	p.Expect(t, "JOIN #chan")
	p.Expect(t, "CAP REQ :twitch.tv/tags")
	waitState(t, h.conn, StateOpen)
}

func TestOutboundPrimitives(t *testing.T) {
	h := startConn(t, nil, 0)
	p := h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)
	ctx := context.Background()

	steps := []struct {
		send func() error
		want string
	}{
		{func() error { return h.conn.Privmsg(ctx, "#chan", "hello there") }, "PRIVMSG #chan :hello there"},
		{func() error { return h.conn.Part(ctx, "#chan") }, "PART #chan"},
		{func() error { return h.conn.Ping(ctx, "a", "") }, "PING a"},
		{func() error { return h.conn.Ping(ctx, "a", "b") }, "PING a b"},
		{func() error { return h.conn.Pong(ctx, "a", "") }, "PONG a"},
		{func() error { return h.conn.Raw(ctx, "WHO #chan") }, "WHO #chan"},
	}
	for _, s := range steps {
		if err := s.send(); err != nil {
			t.Fatalf("send %q: %v", s.want, err)
		}
		p.Expect(t, s.want)
	}

	if err := h.conn.Privmsg(ctx, "#chan", "two\r\nlines"); !errors.Is(err, ErrInvalidLine) {
		t.Errorf("CRLF in message: err = %v, want ErrInvalidLine", err)
	}
}

func TestWriteWithoutTransport(t *testing.T) {
	c := NewConn(Options{Name: t.Name(), Host: testHost, Port: 6667})
	if err := c.Privmsg(context.Background(), "#c", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Privmsg(ctx, "#c", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled ctx: err = %v", err)
	}
}

func TestPingIsAnsweredAndDispatched(t *testing.T) {
	d, ch := recorder(SignalPing)
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)

	p.Send(t, "PING :tmi.twitch.tv")
	p.Expect(t, "PONG tmi.twitch.tv")
	m := receive(t, ch)
	if m.Source.Kind != SourceUnknown || m.Source.Host != testHost {
		t.Errorf("prefixless source = %+v, want host %q", m.Source, testHost)
	}
}

func TestReceiveLoopSkipsBadLines(t *testing.T) {
	d, ch := recorder(SignalPrivmsg, SignalCTCPAction)
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)

	p.Send(t, "@@@ nonsense")
	p.SendRaw(t, "PRIVMSG #c :no carriage return\n")
	p.Send(t, ":a!a@a.tmi.twitch.tv PRIVMSG #c :first")
	p.Send(t, ":a!a@a.tmi.twitch.tv PRIVMSG #c :\x01ACTION waves\x01")

	if m := receive(t, ch); m.Trailing() != "first" {
		t.Errorf("first dispatched message = %q", m.Raw)
	}
	if m := receive(t, ch); m.Command != "ctcp_action" || m.Param(1) != "waves" {
		t.Errorf("ctcp dispatched as %q %q", m.Command, m.Params)
	}
	if h.conn.State() != StateOpen {
		t.Errorf("state = %s after bad lines", h.conn.State())
	}
}

func TestHandlerErrorsDoNotEndSession(t *testing.T) {
	d := NewDispatcher()
	got := make(chan string, 4)
	d.Handle(SignalNotice, func(_ context.Context, _ *Conn, m *Message) error {
		got <- m.Trailing()
		if m.Trailing() == "panic" {
			panic("handler bug")
		}
		return errors.New("handler failed")
	})
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)

	for _, text := range []string{"error", "panic", "still here"} {
		p.Send(t, "NOTICE * :"+text)
		select {
		case g := <-got:
			if g != text {
				t.Fatalf("handled %q, want %q", g, text)
			}
		case <-time.After(testutil.WaitTimeout):
			t.Fatalf("notice %q not dispatched", text)
		}
	}
	if p.Closed() {
		t.Error("transport closed after handler failures")
	}
}

func TestBackoffDoublesOnConsecutiveFailures(t *testing.T) {
	h := startConn(t, nil, 4)

	h.srv.WaitAttempt(t)
	for _, want := range []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		waitTimers(t, h.clk, 1)
		h.clk.Advance(want - time.Millisecond)
		h.srv.NoAttempt(t)
		h.clk.Advance(time.Millisecond)
		h.srv.WaitAttempt(t)
	}
	h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)
}

func TestBackoffResetsAfterSession(t *testing.T) {
	d, ch := recorder(SignalWelcome)
	h := startConn(t, d, 2)

	h.srv.WaitAttempt(t)
	waitTimers(t, h.clk, 1)
	h.clk.Advance(1 * time.Second)
	h.srv.WaitAttempt(t)
	waitTimers(t, h.clk, 1)
	h.clk.Advance(2 * time.Second)
	h.srv.WaitAttempt(t)

	p := h.srv.Accept(t)
	p.Send(t, ":tmi.twitch.tv 001 shodan :Welcome")
	receive(t, ch)
	p.Close()

	// The delay starts over at one second instead of continuing at four.
	waitTimers(t, h.clk, 1)
	h.clk.Advance(time.Second - time.Millisecond)
	h.srv.NoAttempt(t)
	h.clk.Advance(time.Millisecond)
	h.srv.WaitAttempt(t)
	h.srv.Accept(t)
}

func TestMaxBackoffCapsDelay(t *testing.T) {
	srv := testutil.NewPipeServer(t)
	srv.FailNext(3)
	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	c := NewConn(Options{Name: t.Name(), Host: testHost, Port: 6667, Dial: srv.Dial, Clock: clk, MaxBackoff: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	srv.WaitAttempt(t)
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 2 * time.Second} {
		waitTimers(t, clk, 1)
		clk.Advance(want - time.Millisecond)
		srv.NoAttempt(t)
		clk.Advance(time.Millisecond)
		srv.WaitAttempt(t)
	}
	srv.Accept(t)
}

func TestKeepaliveTimeoutClosesTransportOnce(t *testing.T) {
	h := startConn(t, nil, 0)
	p := h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka := &Keepalive{Clock: h.clk}
	go func() { _ = ka.Run(ctx, h.conn) }()

	waitTimers(t, h.clk, 1)
	h.clk.Advance(DefaultPingPeriod)
	p.Expect(t, "PING "+testHost)

	// Ticker and PONG deadline.
	waitTimers(t, h.clk, 2)
	h.clk.Advance(DefaultPongTimeout - time.Millisecond)
	if p.Closed() {
		t.Fatal("transport closed before the deadline")
	}
	h.clk.Advance(time.Millisecond)
	p.WaitClosed(t)
	waitTimeouts(t, h.conn, 1)

	// Ticker and reconnect delay.
	waitTimers(t, h.clk, 2)
	h.clk.Advance(time.Second)
	h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)
	if got := h.conn.timeouts.Load(); got != 1 {
		t.Errorf("timeouts after reconnect = %d, want 1", got)
	}
}

func TestPongCancelsKeepaliveDeadline(t *testing.T) {
	d, pongs := recorder(SignalPong)
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka := &Keepalive{Clock: h.clk}
	go func() { _ = ka.Run(ctx, h.conn) }()

	waitTimers(t, h.clk, 1)
	h.clk.Advance(DefaultPingPeriod)
	p.Expect(t, "PING "+testHost)
	p.Send(t, ":"+testHost+" PONG "+testHost+" :"+testHost)
	receive(t, pongs)

	if armed(h.conn) {
		t.Fatal("deadline still armed after PONG")
	}
	h.clk.Advance(DefaultPongTimeout)
	// A round trip through the receive loop gives a stray expiry time to land.
	p.Send(t, "PING :sync")
	p.Expect(t, "PONG sync")
	if p.Closed() || h.conn.timeouts.Load() != 0 {
		t.Error("transport closed although PONG arrived")
	}
}

func TestSharedKeepaliveClosesOnlySilentConn(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	d, pongs := recorder(SignalPong)
	silent := startConnOn(t, clk, t.Name()+"-silent", nil, 0)
	answering := startConnOn(t, clk, t.Name()+"-answering", d, 0)
	sp := silent.srv.Accept(t)
	ap := answering.srv.Accept(t)
	waitState(t, silent.conn, StateOpen)
	waitState(t, answering.conn, StateOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka := &Keepalive{Clock: clk}
	go func() { _ = ka.Run(ctx, silent.conn, answering.conn) }()

	waitTimers(t, clk, 1)
	clk.Advance(DefaultPingPeriod)
	sp.Expect(t, "PING "+testHost)
	ap.Expect(t, "PING "+testHost)
	if !armed(silent.conn) {
		t.Fatal("no deadline armed on the silent connection")
	}

	ap.Send(t, ":"+testHost+" PONG "+testHost+" :"+testHost)
	receive(t, pongs)
	if armed(answering.conn) {
		t.Fatal("deadline still armed after PONG")
	}

	clk.Advance(DefaultPongTimeout)
	sp.WaitClosed(t)
	waitTimeouts(t, silent.conn, 1)

	ap.Send(t, "PING :sync")
	ap.Expect(t, "PONG sync")
	if ap.Closed() {
		t.Error("answering transport closed")
	}
	if got := answering.conn.timeouts.Load(); got != 0 {
		t.Errorf("answering timeouts = %d, want 0", got)
	}
	if got := answering.conn.State(); got != StateOpen {
		t.Errorf("answering state = %s, want open", got)
	}
}

func TestCTCPTagsShareHandlerMetricLabel(t *testing.T) {
	telemetry.Init()
	h := startConn(t, nil, 0)
	p := h.srv.Accept(t)
	waitState(t, h.conn, StateOpen)

	before := promtestutil.CollectAndCount(telemetry.HandlerDuration)
	for i := 0; i < 200; i++ {
		p.Send(t, fmt.Sprintf(":a!a@a.tmi.twitch.tv PRIVMSG #c :\x01X%d hi\x01", i))
	}
	p.Send(t, "PING :sync")
	p.Expect(t, "PONG sync")

	// At most ctcp_other and ping are new.
	if after := promtestutil.CollectAndCount(telemetry.HandlerDuration); after-before > 2 {
		t.Errorf("handler duration series grew from %d to %d", before, after)
	}
}

func TestMetricLabel(t *testing.T) {
	tests := []struct {
		command, want string
	}{
		{"privmsg", "privmsg"},
		{"ctcp_action", "ctcp_action"},
		{"001", "001"},
		{"353", "353"},
		{"userstate", "userstate"},
		{"ctcp_version", "ctcp_other"},
		{"ctcp_x17", "ctcp_other"},
		{"frobnicate", "other"},
		{"1234", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := metricLabel(tt.command); got != tt.want {
			t.Errorf("metricLabel(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestReconnectRequestForcesNewSession(t *testing.T) {
	d := NewDispatcher()
	d.Handle(SignalReconnect, func(_ context.Context, c *Conn, _ *Message) error {
		c.ForceClose()
		return nil
	})
	h := startConn(t, d, 0)
	p := h.srv.Accept(t)

	p.Send(t, ":tmi.twitch.tv RECONNECT")
	p.WaitClosed(t)
	waitTimers(t, h.clk, 1)
	h.clk.Advance(time.Second)
	h.srv.Accept(t)
}

func TestRunStopsOnCancelWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := testutil.NewPipeServer(t)
	c := NewConn(Options{Name: t.Name(), Host: testHost, Port: 6667, Dial: srv.Dial, Clock: clockwork.NewFakeClockAt(time.Unix(0, 0))})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	p := srv.Accept(t)
	waitState(t, c, StateOpen)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("Run did not return")
	}
	p.WaitClosed(t)
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestIsExpectedClose(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("read: %w", net.ErrClosed), true},
		{fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{context.Canceled, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsExpectedClose(tt.err); got != tt.want {
			t.Errorf("IsExpectedClose(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
