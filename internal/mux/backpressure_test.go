package mux

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/freeviewer/internal/crypto"
	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/session"
)

// fullConn refuses the next failures sends as if the session outbox were
// full.
type fullConn struct {
	*fakeConn
	failures atomic.Int32
}

func (c *fullConn) full() bool {
	return c.failures.Add(-1) >= 0
}

func (c *fullConn) Send(ch protocol.ChannelType, payload []byte) error {
	if c.full() {
		return session.ErrOutboxFull
	}
	return c.fakeConn.Send(ch, payload)
}

func (c *fullConn) SendWait(ctx context.Context, ch protocol.ChannelType, payload []byte) error {
	if c.full() {
		return session.ErrOutboxFull
	}
	return c.fakeConn.SendWait(ctx, ch, payload)
}

func TestCreditRefundedWhenSendFails(t *testing.T) {
	cc, hc := newFakePair(testAgreed())
	t.Cleanup(func() {
		cc.stop()
		hc.stop()
	})
	conn := &fullConn{fakeConn: cc}
	conn.failures.Store(10000)

	hrec := &recorder{}
	client := New(conn, Handlers{}, Config{Name: "client"})
	New(hc, hrec.handlers(), Config{Name: "host"})
	cc.start()
	hc.start()

	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		err := client.SendInput(ctx, desktop.InputEvent{Kind: desktop.InputKey, Key: 999})
		require.ErrorIs(t, err, session.ErrOutboxFull)
	}
	assert.Equal(t, int64(InputWindow), client.Available(protocol.ChannelInput), "failed sends must not spend credit")

	for i := 0; i < 10; i++ {
		require.NoError(t, client.SendInput(ctx, desktop.InputEvent{Kind: desktop.InputKey, Key: uint32(i)}))
	}
	require.Eventually(t, func() bool { return hrec.eventCount() == 10 }, 5*time.Second, 5*time.Millisecond)

	hrec.mu.Lock()
	defer hrec.mu.Unlock()
	for i, ev := range hrec.events {
		assert.Equal(t, uint32(i), ev.Key, "refused events leave no gap in the sequence")
	}
}

func TestVideoCreditRefundedWhenSendFails(t *testing.T) {
	agreed := testAgreed()
	agreed.Codec = CodecRaw
	cc, hc := newFakePair(agreed)
	t.Cleanup(func() {
		cc.stop()
		hc.stop()
	})
	conn := &fullConn{fakeConn: hc}
	conn.failures.Store(1)
	host := New(conn, Handlers{}, Config{Name: "host"})

	f, err := desktop.NewSynthetic([2]uint32{640, 480}).Capture(context.Background(), 0)
	require.NoError(t, err)

	require.ErrorIs(t, host.SendFrame(f), ErrFrameDropped)
	assert.Equal(t, int64(VideoWindow), host.Available(protocol.ChannelVideo))
}

// gatedInput blocks every injection until the gate opens.
type gatedInput struct {
	gate chan struct{}

	mu   sync.Mutex
	keys []uint32
}

func (g *gatedInput) Inject(ev desktop.InputEvent) error {
	<-g.gate
	g.mu.Lock()
	g.keys = append(g.keys, ev.Key)
	g.mu.Unlock()
	return nil
}

func (g *gatedInput) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestInputSurvivesStalledReceiver(t *testing.T) {
	const password = "k7m2p9qx"
	const events = 6000

	caps := protocol.Capabilities{
		Version:   protocol.Version,
		MaxWidth:  1920,
		MaxHeight: 1080,
		MaxFPS:    30,
		Codecs:    []string{"raw"},
		Channels:  []string{"input"},
	}
	argon := crypto.Argon2Params{Time: 1, Memory: 64, Threads: 1}
	id := identity.MachineID(123456789)

	hostSess := session.New(session.Config{
		Role:              crypto.RoleHost,
		MachineID:         id,
		Passwords:         func() string { return password },
		Capabilities:      caps,
		KeepaliveInterval: time.Second,
		HandshakeTimeout:  5 * time.Second,
		Argon2:            argon,
	})
	clientSess := session.New(session.Config{
		Role:              crypto.RoleClient,
		MachineID:         id,
		ClientName:        "laptop",
		Password:          password,
		Capabilities:      caps,
		KeepaliveInterval: time.Second,
		HandshakeTimeout:  5 * time.Second,
		Argon2:            argon,
	})

	sink := &gatedInput{gate: make(chan struct{})}
	New(hostSess, Handlers{Input: sink}, Config{Name: "host"})
	client := New(clientSess, Handlers{}, Config{Name: "client"})

	a, b := loopbackPair(t)
	require.NoError(t, clientSess.BeginConnect())
	hostErr := make(chan error, 1)
	go func() { hostErr <- hostSess.Handshake(context.Background(), b) }()
	require.NoError(t, clientSess.Handshake(context.Background(), a))
	require.NoError(t, <-hostErr)
	defer clientSess.Close()
	defer hostSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sent := make(chan error, 1)
	go func() {
		for i := 0; i < events; i++ {
			if err := client.SendInput(ctx, desktop.InputEvent{Kind: desktop.InputKey, Key: uint32(i), Pressed: true}); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	// The host holds a whole window of unconsumed input.
	require.Eventually(t, func() bool {
		return client.Available(protocol.ChannelInput) < 1024
	}, 10*time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.count())

	close(sink.gate)
	require.NoError(t, <-sent)
	require.Eventually(t, func() bool { return sink.count() == events }, 20*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, key := range sink.keys {
		if key != uint32(i) {
			t.Fatalf("event %d has key %d", i, key)
		}
	}
	assert.Equal(t, session.StateActive, hostSess.State())
}
