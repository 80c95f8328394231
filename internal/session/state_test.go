package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/freeviewer/internal/protocol"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateNegotiating, true},
		{StateNegotiating, StateActive, true},
		{StateActive, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateIdle, StateActive, false},
		{StateAuthenticating, StateActive, false},
		{StateActive, StateClosed, false},
		{StateActive, StateNegotiating, false},
		{StateClosed, StateFailed, false},
		{StateFailed, StateClosed, false},
		{StateClosed, StateConnecting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []State{StateIdle, StateConnecting, StateAuthenticating, StateNegotiating, StateActive, StateClosing} {
		if !CanTransition(s, StateFailed) {
			t.Errorf("%s should be able to fail", s)
		}
	}
}

func TestStateMachineRejectsIllegal(t *testing.T) {
	var changes []State
	m := stateMachine{onChange: func(_, to State) { changes = append(changes, to) }}

	require.NoError(t, m.transition(StateConnecting))
	require.Error(t, m.transition(StateActive))
	assert.Equal(t, StateConnecting, m.current())

	assert.False(t, m.transitionFrom(StateIdle, StateConnecting))
	assert.True(t, m.transitionFrom(StateConnecting, StateFailed))
	require.Error(t, m.transition(StateClosed))

	assert.Equal(t, []State{StateConnecting, StateFailed}, changes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "UNKNOWN(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateClosing.Terminal())
}

func TestAuthBackoffGrowsAndCaps(t *testing.T) {
	b := NewAuthBackoff(time.Second, 5*time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	assert.Zero(t, b.Check("10.0.0.1"))

	delays := []time.Duration{}
	for i := 0; i < 5; i++ {
		delays = append(delays, b.Failure("10.0.0.1"))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, delays)
	assert.Equal(t, 5*time.Second, b.Check("10.0.0.1"))
	assert.Zero(t, b.Check("10.0.0.2"), "other peers are unaffected")

	now = now.Add(6 * time.Second)
	assert.Zero(t, b.Check("10.0.0.1"))
	assert.Equal(t, 5, b.Failures("10.0.0.1"))

	b.Success("10.0.0.1")
	assert.Zero(t, b.Failures("10.0.0.1"))
	assert.Equal(t, time.Second, b.Failure("10.0.0.1"))
}

func TestAuthBackoffPrune(t *testing.T) {
	b := NewAuthBackoff(time.Second, time.Minute)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.Failure("a")
	now = now.Add(time.Hour)
	b.Failure("b")

	assert.Equal(t, 1, b.Prune(30*time.Minute))
	assert.Zero(t, b.Failures("a"))
	assert.Equal(t, 1, b.Failures("b"))
}

func TestPeerKey(t *testing.T) {
	assert.Equal(t, "192.0.2.1", PeerKey("192.0.2.1:4433"))
	assert.Equal(t, "::1", PeerKey("[::1]:80"))
	assert.Equal(t, "relay", PeerKey("relay"))
}

func hostCaps() protocol.Capabilities {
	return protocol.Capabilities{
		Version:   protocol.Version,
		MaxWidth:  2560,
		MaxHeight: 1440,
		MaxFPS:    60,
		Codecs:    []string{"zstd", "raw"},
		Channels:  []string{"video", "input", "clipboard", "file", "chat"},
		Monitors:  []protocol.Monitor{{Index: 0, Width: 2560, Height: 1440, Primary: true}},
	}
}

func clientCaps() protocol.Capabilities {
	return protocol.Capabilities{
		Version:   protocol.Version,
		MaxWidth:  1920,
		MaxHeight: 1080,
		MaxFPS:    30,
		Codecs:    []string{"raw", "zstd"},
		Channels:  []string{"chat", "input", "video"},
	}
}

func TestIntersect(t *testing.T) {
	host, client := hostCaps(), clientCaps()

	agreed, err := Intersect(&host, &client)
	require.NoError(t, err)
	assert.Equal(t, uint32(1920), agreed.MaxWidth)
	assert.Equal(t, uint32(1080), agreed.MaxHeight)
	assert.Equal(t, uint32(30), agreed.MaxFPS)
	assert.Equal(t, "raw", agreed.Codec, "client preference wins")
	assert.Equal(t, []string{"video", "input", "chat"}, agreed.Channels)
	assert.Len(t, agreed.Monitors, 1)
	require.NoError(t, checkAgreed(&client, agreed))
}

func TestIntersectMismatch(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(host, client *protocol.Capabilities)
		dimension string
	}{
		{"version", func(_, c *protocol.Capabilities) { c.Version = 99 }, "version"},
		{"codecs", func(_, c *protocol.Capabilities) { c.Codecs = []string{"h264"} }, "codecs"},
		{"channels", func(h, c *protocol.Capabilities) {
			h.Channels = []string{"file"}
			c.Channels = []string{"chat"}
		}, "channels"},
		{"monitors", func(h, _ *protocol.Capabilities) { h.Monitors = nil }, "monitors"},
		{"resolution", func(_, c *protocol.Capabilities) { c.MaxFPS = 0 }, "resolution"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, client := hostCaps(), clientCaps()
			tt.mutate(&host, &client)

			_, err := Intersect(&host, &client)
			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrProtocolMismatch))
			assert.Contains(t, err.Error(), tt.dimension)
		})
	}
}

func TestIntersectWithoutVideoNeedsNoMonitors(t *testing.T) {
	host, client := hostCaps(), clientCaps()
	host.Monitors = nil
	client.Channels = []string{"chat"}

	agreed, err := Intersect(&host, &client)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, agreed.Channels)
}

func TestCheckAgreedRejectsExcess(t *testing.T) {
	offer := clientCaps()
	agreed := &protocol.Agreed{MaxWidth: 3840, MaxHeight: 1080, MaxFPS: 30, Codec: "raw", Channels: []string{"chat"}}
	assert.ErrorIs(t, checkAgreed(&offer, agreed), protocol.ErrProtocolMismatch)

	agreed.MaxWidth = 1920
	agreed.Channels = []string{"file"}
	assert.ErrorIs(t, checkAgreed(&offer, agreed), protocol.ErrProtocolMismatch)
}

func TestOutboxPriorityOrder(t *testing.T) {
	o := newOutbox()
	require.NoError(t, o.push(protocol.ChannelChat, []byte("chat")))
	require.NoError(t, o.push(protocol.ChannelVideo, []byte("video")))
	require.NoError(t, o.push(protocol.ChannelFile, []byte("file")))
	require.NoError(t, o.push(protocol.ChannelInput, []byte("input-1")))
	require.NoError(t, o.push(protocol.ChannelInput, []byte("input-2")))
	require.NoError(t, o.push(protocol.ChannelControl, []byte("control")))

	var got []string
	for i := 0; i < 6; i++ {
		msg, ok := o.next()
		require.True(t, ok)
		got = append(got, string(msg.payload))
	}
	assert.Equal(t, []string{"control", "input-1", "input-2", "video", "chat", "file"}, got)
}

func TestOutboxDrainThenStop(t *testing.T) {
	o := newOutbox()
	require.NoError(t, o.push(protocol.ChannelInput, []byte("a")))
	o.pushFinal(protocol.ChannelControl, []byte("close"))

	assert.Error(t, o.push(protocol.ChannelInput, []byte("late")))

	msg, ok := o.next()
	require.True(t, ok)
	assert.Equal(t, "a", string(msg.payload))
	msg, ok = o.next()
	require.True(t, ok)
	assert.Equal(t, "close", string(msg.payload))
	_, ok = o.next()
	assert.False(t, ok)
}

func TestOutboxLimit(t *testing.T) {
	o := newOutbox()
	for i := 0; i < outboxLimit; i++ {
		require.NoError(t, o.push(protocol.ChannelVideo, nil))
	}
	assert.ErrorIs(t, o.push(protocol.ChannelVideo, nil), ErrOutboxFull)
	assert.NoError(t, o.push(protocol.ChannelControl, nil))
	assert.NoError(t, o.push(protocol.ChannelInput, nil))
}

func TestOutboxPushWaitsForRoom(t *testing.T) {
	o := newOutbox()
	for i := 0; i < outboxLimit; i++ {
		require.NoError(t, o.push(protocol.ChannelInput, []byte{byte(i)}))
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- o.pushWait(context.Background(), protocol.ChannelInput, []byte("late"), nil)
	}()

	select {
	case err := <-pushed:
		t.Fatalf("pushWait returned %v while the class was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := o.next()
	require.True(t, ok)
	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pushWait did not resume after a message left the queue")
	}
	assert.Equal(t, outboxLimit, o.len())
}

func TestOutboxPushWaitStops(t *testing.T) {
	o := newOutbox()
	for i := 0; i < outboxLimit; i++ {
		require.NoError(t, o.push(protocol.ChannelFile, []byte{1}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.pushWait(ctx, protocol.ChannelFile, []byte{1}, nil), context.DeadlineExceeded)

	done := make(chan struct{})
	close(done)
	assert.ErrorIs(t, o.pushWait(context.Background(), protocol.ChannelFile, []byte{1}, done), errOutboxClosed)

	o.close()
	assert.ErrorIs(t, o.pushWait(context.Background(), protocol.ChannelFile, []byte{1}, nil), errOutboxClosed)
}

func TestInboxHoldsOneWindow(t *testing.T) {
	q := newInbox(protocol.ChannelInput)
	msg := make([]byte, 40)

	n := 0
	for q.push(msg) {
		n++
	}
	assert.Equal(t, protocol.InputWindow/len(msg), n, "a full window of small messages fits")

	_, ok := q.pop()
	require.True(t, ok)
	assert.True(t, q.push(msg), "popping frees room")
	assert.False(t, q.push(msg))

	q.close()
	count := 0
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, n, count)
}

func TestInboxDefaultLimit(t *testing.T) {
	q := newInbox(protocol.ChannelControl)
	assert.Equal(t, inboxDefaultBytes, q.limit)
	assert.True(t, q.push(nil), "empty messages still count one byte")
	assert.Equal(t, 1, q.bytes)
}
