package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/session"
)

// fakeConn delivers messages to its peer's handlers in order on a single
// goroutine, like a session's dispatchers.
type fakeConn struct {
	peer   *fakeConn
	agreed *protocol.Agreed

	mu       sync.Mutex
	handlers map[protocol.ChannelType]session.Handler
	control  map[protocol.MsgType]func([]byte)

	queue   chan func()
	done    chan struct{}
	started sync.Once
}

func newFakePair(agreed *protocol.Agreed) (*fakeConn, *fakeConn) {
	a := &fakeConn{agreed: agreed, handlers: map[protocol.ChannelType]session.Handler{}, control: map[protocol.MsgType]func([]byte){}, queue: make(chan func(), 100000), done: make(chan struct{})}
	b := &fakeConn{agreed: agreed, handlers: map[protocol.ChannelType]session.Handler{}, control: map[protocol.MsgType]func([]byte){}, queue: make(chan func(), 100000), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// start begins delivering messages addressed to c.
func (c *fakeConn) start() {
	c.started.Do(func() {
		go func() {
			for {
				select {
				case fn := <-c.queue:
					fn()
				case <-c.done:
					return
				}
			}
		}()
	})
}

func (c *fakeConn) stop() {
	close(c.done)
}

func (c *fakeConn) Send(ch protocol.ChannelType, payload []byte) error {
	p := append([]byte(nil), payload...)
	peer := c.peer
	peer.queue <- func() {
		peer.mu.Lock()
		h := peer.handlers[ch]
		peer.mu.Unlock()
		if h != nil {
			h(p)
		}
	}
	return nil
}

func (c *fakeConn) SendWait(_ context.Context, ch protocol.ChannelType, payload []byte) error {
	return c.Send(ch, payload)
}

func (c *fakeConn) SendControl(t protocol.MsgType, body any) error {
	payload, err := protocol.EncodeMessage(t, body)
	if err != nil {
		return err
	}
	_, raw, _ := protocol.SplitMessage(payload)
	peer := c.peer
	peer.queue <- func() {
		peer.mu.Lock()
		fn := peer.control[t]
		peer.mu.Unlock()
		if fn != nil {
			fn(raw)
		}
	}
	return nil
}

func (c *fakeConn) Handle(ch protocol.ChannelType, h session.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch] = h
}

func (c *fakeConn) HandleControl(t protocol.MsgType, fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control[t] = fn
}

func (c *fakeConn) Agreed() *protocol.Agreed { return c.agreed }
func (c *fakeConn) RTT() time.Duration       { return 10 * time.Millisecond }
func (c *fakeConn) Done() <-chan struct{}    { return c.done }

func testAgreed() *protocol.Agreed {
	return &protocol.Agreed{
		MaxWidth:  1920,
		MaxHeight: 1080,
		MaxFPS:    30,
		Codec:     CodecZstd,
		Channels:  []string{"video", "input", "clipboard", "file", "chat"},
		Monitors:  []protocol.Monitor{{Index: 0, Width: 1920, Height: 1080, Primary: true}},
	}
}

type recorder struct {
	mu        sync.Mutex
	frames    []*desktop.Frame
	events    []desktop.InputEvent
	clipboard []string
	chats     []desktop.ChatMessage
}

func (r *recorder) ShowFrame(f *desktop.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) Inject(ev desktop.InputEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) SetClipboard(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clipboard = append(r.clipboard, text)
	return nil
}

func (r *recorder) ShowChat(msg desktop.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, msg)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) handlers() Handlers {
	return Handlers{Frames: r, Input: r, Clipboard: r, Chat: r}
}

func newMuxPair(t *testing.T, agreed *protocol.Agreed) (client, host *Mux, cc, hc *fakeConn, crec, hrec *recorder) {
	t.Helper()
	cc, hc = newFakePair(agreed)
	crec, hrec = &recorder{}, &recorder{}
	client = New(cc, crec.handlers(), Config{Name: "client"})
	host = New(hc, hrec.handlers(), Config{Name: "host"})
	t.Cleanup(func() {
		cc.stop()
		hc.stop()
	})
	return client, host, cc, hc, crec, hrec
}

func TestSendWindow(t *testing.T) {
	w := newSendWindow(100)
	assert.True(t, w.tryAcquire(60))
	assert.False(t, w.tryAcquire(60))
	assert.Equal(t, int64(40), w.available())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.acquire(ctx, 60, nil), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- w.acquire(context.Background(), 60, nil) }()
	time.Sleep(10 * time.Millisecond)
	w.grant(30)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after grant")
	}
	assert.Equal(t, int64(10), w.available())

	sessionDone := make(chan struct{})
	close(sessionDone)
	assert.ErrorIs(t, w.acquire(context.Background(), 60, sessionDone), ErrSessionDone)
}

func TestRecvWindowReturnsCreditAtHalf(t *testing.T) {
	w := newRecvWindow(100)
	assert.Zero(t, w.consume(30))
	assert.Zero(t, w.consume(19))
	assert.Equal(t, int64(50), w.consume(1))
	assert.Zero(t, w.consume(10))
}

func TestOrderer(t *testing.T) {
	ev := func(n int32) desktop.InputEvent { return desktop.InputEvent{Kind: desktop.InputMouseMove, X: n} }
	xs := func(evs []desktop.InputEvent) []int32 {
		var out []int32
		for _, e := range evs {
			out = append(out, e.X)
		}
		return out
	}

	o := NewOrderer(2)
	assert.Equal(t, []int32{1}, xs(o.Push(1, ev(1))))
	assert.Equal(t, []int32{2}, xs(o.Push(2, ev(2))))
	assert.Nil(t, o.Push(2, ev(2)), "duplicate")
	assert.Nil(t, o.Push(1, ev(1)), "stale")

	assert.Nil(t, o.Push(4, ev(4)))
	assert.Nil(t, o.Push(4, ev(4)), "buffered duplicate")
	assert.Equal(t, []int32{3, 4}, xs(o.Push(3, ev(3))))

	// 5 and 6 never arrive; the buffer overflows and the gap is skipped.
	assert.Nil(t, o.Push(7, ev(7)))
	assert.Nil(t, o.Push(8, ev(8)))
	assert.Equal(t, []int32{7, 8, 9}, xs(o.Push(9, ev(9))))
	assert.Nil(t, o.Push(5, ev(5)), "skipped events are not delivered late")

	dups, skipped := o.Stats()
	assert.Equal(t, uint64(4), dups)
	assert.Equal(t, uint64(2), skipped)
}

func TestQualityController(t *testing.T) {
	q := NewQualityController(20, 100*time.Millisecond, nil)
	assert.Equal(t, initialLevel, q.Level())

	q.Observe(300*time.Millisecond, protocol.QualityReport{FramesReceived: 10})
	assert.Equal(t, initialLevel-1, q.Level())

	q.Observe(10*time.Millisecond, protocol.QualityReport{FramesDropped: 1})
	assert.Equal(t, initialLevel-2, q.Level())
	q.Observe(10*time.Millisecond, protocol.QualityReport{FramesDropped: 1})
	assert.Equal(t, 0, q.Level(), "never below the lowest level")

	for i := 0; i < 100; i++ {
		q.Observe(10*time.Millisecond, protocol.QualityReport{FramesReceived: 10})
	}
	assert.Equal(t, len(Levels)-1, q.Level())
	assert.Equal(t, uint32(20), q.Current().FPS, "capped at the agreed maximum")

	q.LocalDrop()
	q.Observe(10*time.Millisecond, protocol.QualityReport{FramesReceived: 10})
	assert.Equal(t, len(Levels)-2, q.Level())
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h       uint32
		scale      float64
		maxW, maxH uint32
		wantW      uint32
		wantH      uint32
	}{
		{1920, 1080, 1, 1280, 720, 1280, 720},
		{1920, 1080, 0.5, 1920, 1080, 960, 540},
		{2560, 1440, 1, 1920, 1200, 1920, 1080},
		{1000, 2000, 1, 1920, 1000, 500, 1000},
		{3, 3, 0.1, 0, 0, 1, 1},
	}
	for _, tt := range tests {
		w, h := scaledSize(tt.w, tt.h, tt.scale, tt.maxW, tt.maxH)
		assert.Equal(t, tt.wantW, w, "width for %dx%d", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "height for %dx%d", tt.w, tt.h)
	}
}

func TestDownscaleNearest(t *testing.T) {
	// 4x2 frame with a one-byte marker per pixel and a padded stride.
	f := &desktop.Frame{Width: 4, Height: 2, Format: desktop.FormatBGRA, Stride: 20}
	f.Pixels = make([]byte, 40)
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			f.Pixels[y*20+x*4] = byte(y*4 + x)
		}
	}

	out := downscale(f, 2, 1)
	require.Len(t, out, 8)
	assert.Equal(t, byte(0), out[0])
	assert.Equal(t, byte(2), out[4])

	same := downscale(f, 4, 2)
	require.Len(t, same, 32)
	assert.Equal(t, byte(5), same[16+4])
}

func TestFragmentReassembly(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 40000)
	meta := frameMeta{width: 200, height: 200, format: desktop.FormatBGRA, timestamp: time.Now().UnixNano()}

	frags := fragment(7, meta, data)
	require.Len(t, frags, 3)
	for _, f := range frags {
		assert.LessOrEqual(t, len(f), MaxFragmentSize)
	}

	r, err := newVideoReceiver(1920, 1080)
	require.NoError(t, err)
	defer r.close()

	// Out of order, with a duplicate.
	for _, i := range []int{2, 0, 2} {
		frame, err := r.push(frags[i])
		require.NoError(t, err)
		assert.Nil(t, frame)
	}
	frame, err := r.push(frags[1])
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, uint32(200), frame.Width)
	assert.Equal(t, uint32(800), frame.Stride)
	assert.Equal(t, data, frame.Pixels)

	rep := r.report()
	assert.Equal(t, uint64(1), rep.FramesReceived)
	assert.Zero(t, rep.FramesDropped)
}

func TestVideoReceiverDropsSuperseded(t *testing.T) {
	r, err := newVideoReceiver(1920, 1080)
	require.NoError(t, err)
	defer r.close()

	meta := frameMeta{width: 100, height: 100, format: desktop.FormatBGRA}
	old := fragment(1, meta, make([]byte, 40000))
	next := fragment(2, meta, make([]byte, 40000))
	require.Len(t, old, 1)

	big := fragment(3, frameMeta{width: 200, height: 200, format: desktop.FormatBGRA}, make([]byte, 160000))
	_, err = r.push(big[0])
	require.NoError(t, err)

	// Frame 3 is incomplete; a late frame 2 and 1 are stale once 3 started.
	frame, err := r.push(next[0])
	require.NoError(t, err)
	assert.Nil(t, frame)
	_, _ = r.push(old[0])

	for _, f := range big[1:] {
		frame, err = r.push(f)
		require.NoError(t, err)
	}
	require.NotNil(t, frame)

	rep := r.report()
	assert.Equal(t, uint64(1), rep.FramesReceived)
	assert.Zero(t, r.report().FramesReceived, "counters reset after a report")

	// A newer frame replacing an incomplete one counts as dropped.
	_, _ = r.push(fragment(4, frameMeta{width: 200, height: 200, format: desktop.FormatBGRA}, make([]byte, 160000))[0])
	_, _ = r.push(fragment(5, meta, make([]byte, 40000))[0])
	rep = r.report()
	assert.Equal(t, uint64(1), rep.FramesReceived)
	assert.Equal(t, uint64(1), rep.FramesDropped)
}

func TestVideoLatencyIgnoresClockOffset(t *testing.T) {
	r, err := newVideoReceiver(1920, 1080)
	require.NoError(t, err)
	defer r.close()

	// The sender's clock runs ten seconds ahead of ours.
	skew := 10 * time.Second
	meta := frameMeta{width: 10, height: 10, format: desktop.FormatBGRA}
	for id := uint64(1); id <= 5; id++ {
		meta.timestamp = time.Now().Add(skew).UnixNano()
		frame, err := r.push(fragment(id, meta, make([]byte, 400))[0])
		require.NoError(t, err)
		require.NotNil(t, frame)
	}
	rep := r.report()
	assert.Less(t, rep.LatencyMs, int64(50))

	q := NewQualityController(20, 100*time.Millisecond, nil)
	level := q.Level()
	q.Observe(10*time.Millisecond, rep)
	assert.GreaterOrEqual(t, q.Level(), level, "skewed clocks do not step quality down")

	// A frame that waited 500ms longer than the others does count.
	meta.timestamp = time.Now().Add(skew - 500*time.Millisecond).UnixNano()
	_, err = r.push(fragment(6, meta, make([]byte, 400))[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.report().LatencyMs, int64(450))
}

func TestVideoReceiverRejectsOversizedFrame(t *testing.T) {
	r, err := newVideoReceiver(64, 64)
	require.NoError(t, err)
	defer r.close()

	frags := fragment(1, frameMeta{width: 65, height: 64, format: desktop.FormatBGRA}, make([]byte, 65*64*4))
	var last error
	for _, f := range frags {
		_, last = r.push(f)
	}
	assert.ErrorIs(t, last, protocol.ErrProtocolMismatch)
}

func TestInputDeliveredInOrder(t *testing.T) {
	client, _, cc, hc, _, hrec := newMuxPair(t, testAgreed())
	cc.start()
	hc.start()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, client.SendInput(ctx, desktop.InputEvent{Kind: desktop.InputKey, Key: uint32(i), Pressed: true}))
	}
	require.Eventually(t, func() bool { return hrec.eventCount() == 100 }, 5*time.Second, 5*time.Millisecond)

	hrec.mu.Lock()
	defer hrec.mu.Unlock()
	for i, ev := range hrec.events {
		assert.Equal(t, uint32(i), ev.Key)
		assert.NotZero(t, ev.Timestamp)
	}
}

func TestFlowControlWaitsForCredit(t *testing.T) {
	client, _, cc, hc, _, hrec := newMuxPair(t, testAgreed())
	cc.start()

	text := string(bytes.Repeat([]byte("x"), 32*1024))
	sent := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := client.SendChat(ctx, text)
		cancel()
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
			break
		}
		sent++
		require.Less(t, sent, 100, "window never filled")
	}
	assert.Less(t, client.Available(protocol.ChannelChat), int64(len(text)))

	// Once the host consumes messages it returns credit and sends resume.
	hc.start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.SendChat(ctx, "after"))

	require.Eventually(t, func() bool {
		hrec.mu.Lock()
		defer hrec.mu.Unlock()
		return len(hrec.chats) == sent+1
	}, 5*time.Second, 5*time.Millisecond)
	hrec.mu.Lock()
	assert.Equal(t, "client", hrec.chats[0].From)
	assert.Equal(t, "after", hrec.chats[sent].Text)
	hrec.mu.Unlock()
}

func TestClipboardAndChat(t *testing.T) {
	client, host, cc, hc, crec, hrec := newMuxPair(t, testAgreed())
	cc.start()
	hc.start()
	ctx := context.Background()

	require.NoError(t, client.SendClipboard(ctx, "copied text"))
	require.NoError(t, host.SendChat(ctx, "hello from host"))
	assert.ErrorIs(t, client.SendClipboard(ctx, string(make([]byte, MaxTextSize+1))), ErrTextTooLarge)

	require.Eventually(t, func() bool {
		hrec.mu.Lock()
		defer hrec.mu.Unlock()
		return len(hrec.clipboard) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		crec.mu.Lock()
		defer crec.mu.Unlock()
		return len(crec.chats) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "copied text", hrec.clipboard[0])
	assert.Equal(t, "host", crec.chats[0].From)
	assert.Equal(t, "hello from host", crec.chats[0].Text)
}

func TestFileBridge(t *testing.T) {
	client, host, cc, hc, _, _ := newMuxPair(t, testAgreed())
	cc.start()
	hc.start()

	got := make(chan []byte, 1)
	host.HandleFile(func(p []byte) { got <- p })
	require.NoError(t, client.SendFile(context.Background(), []byte("chunk")))

	select {
	case p := <-got:
		assert.Equal(t, "chunk", string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("file message not delivered")
	}
}

func TestVideoFrameDelivered(t *testing.T) {
	agreed := testAgreed()
	_, host, cc, hc, crec, _ := newMuxPair(t, agreed)
	cc.start()
	hc.start()

	src := desktop.NewSynthetic([2]uint32{320, 240})
	f, err := src.Capture(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, host.SendFrame(f))

	require.Eventually(t, func() bool { return crec.frameCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	got := crec.frames[0]

	level := Levels[initialLevel]
	wantW, wantH := scaledSize(320, 240, level.Scale, agreed.MaxWidth, agreed.MaxHeight)
	assert.Equal(t, wantW, got.Width)
	assert.Equal(t, wantH, got.Height)
	assert.Equal(t, downscale(f, wantW, wantH), got.Pixels)

	assert.ErrorIs(t, host.SendFrame(f), ErrFramePaced)
}

func TestVideoNeverExceedsAgreedMax(t *testing.T) {
	agreed := testAgreed()
	agreed.MaxWidth, agreed.MaxHeight = 64, 48
	agreed.Codec = CodecRaw
	_, host, cc, hc, crec, _ := newMuxPair(t, agreed)
	cc.start()
	hc.start()

	for i := 0; i < len(Levels); i++ {
		host.Quality().Observe(0, protocol.QualityReport{})
		host.Quality().Observe(0, protocol.QualityReport{})
		host.Quality().Observe(0, protocol.QualityReport{})
	}
	require.Equal(t, len(Levels)-1, host.Quality().Level())

	f, err := desktop.NewSynthetic([2]uint32{640, 480}).Capture(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, host.SendFrame(f))

	require.Eventually(t, func() bool { return crec.frameCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, crec.frames[0].Width, uint32(64))
	assert.LessOrEqual(t, crec.frames[0].Height, uint32(48))
	assert.LessOrEqual(t, host.Quality().Current().FPS, agreed.MaxFPS)
}

func TestVideoDroppedWithoutCredit(t *testing.T) {
	agreed := testAgreed()
	agreed.Codec = CodecRaw
	_, host, _, hc, _, _ := newMuxPair(t, agreed)
	hc.start()
	// The client never consumes, so no credit comes back.

	f, err := desktop.NewSynthetic([2]uint32{1280, 720}).Capture(context.Background(), 0)
	require.NoError(t, err)

	var dropped error
	for i := 0; i < 20 && dropped == nil; i++ {
		host.videoMu.Lock()
		host.lastFrame = time.Time{}
		host.videoMu.Unlock()
		if err := host.SendFrame(f); err != nil {
			dropped = err
		}
	}
	require.ErrorIs(t, dropped, ErrFrameDropped)

	level := host.Quality().Level()
	host.Quality().Observe(0, protocol.QualityReport{})
	assert.Equal(t, level-1, host.Quality().Level(), "local drops step quality down")
}

func TestSendFrameRequiresVideoChannel(t *testing.T) {
	agreed := testAgreed()
	agreed.Channels = []string{"input"}
	_, host, _, _, _, _ := newMuxPair(t, agreed)

	f, err := desktop.NewSynthetic([2]uint32{16, 16}).Capture(context.Background(), 0)
	require.NoError(t, err)
	err = host.SendFrame(f)
	assert.True(t, errors.Is(err, session.ErrChannelNotAgreed), fmt.Sprint(err))
}
