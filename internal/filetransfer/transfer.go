package filetransfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
)

// Metric directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const replyQueue = 256

// Sender delivers file channel messages to the peer.
type Sender interface {
	SendFile(ctx context.Context, payload []byte) error
}

// Config configures a Manager.
type Config struct {
	// Root is the tree served to List and Pull. Nil refuses both.
	Root *Root

	// Dir receives incoming files. Empty refuses offers.
	Dir string

	// OnlyRequested refuses offers that do not answer one of our pulls.
	OnlyRequested bool

	ChunkSize int
	Throttle  *Throttle

	// OnProgress is called after each chunk sent or received.
	OnProgress func(id string, done, total int64)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result describes a finished transfer.
type Result struct {
	ID          string
	Name        string
	Path        string
	Size        int64
	Resumed     int64 // offset the transfer resumed from
	Transferred int64
	Duration    time.Duration
}

type reply struct {
	kind   Kind
	body   []byte
	result *Result
	err    error
}

// Manager runs both sides of the file channel for one session.
type Manager struct {
	conn   Sender
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	incoming map[string]*incoming
	waiters  map[string]chan reply
	closed   bool

	replies chan []byte
	wg      sync.WaitGroup
}

// incoming is a transfer this side is receiving.
type incoming struct {
	offer   Offer
	part    *partialFile
	dest    string
	resumed int64
	started time.Time
}

// NewManager creates a Manager sending through conn. Feed received file
// channel payloads to Handle.
func NewManager(conn Sender, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "filetransfer"),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(map[string]*incoming),
		waiters:  make(map[string]chan reply),
		replies:  make(chan []byte, replyQueue),
	}
	recovery.Go(&m.wg, m.logger, "filetransfer.replies", m.replyLoop)
	return m
}

// Close aborts outstanding transfers. Partial files stay on disk so a later
// offer of the same file resumes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, in := range m.incoming {
		in.part.close()
		delete(m.incoming, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// replyLoop sends answers in order so Handle never waits for credit.
func (m *Manager) replyLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case p := <-m.replies:
			if err := m.conn.SendFile(m.ctx, p); err != nil {
				if m.ctx.Err() == nil {
					m.logger.Debug("file reply failed", logging.KeyError, err)
				}
				return
			}
		}
	}
}

func (m *Manager) reply(k Kind, body any) {
	p, err := encode(k, body)
	if err != nil {
		m.logger.Error("encode file reply failed", "kind", k.String(), logging.KeyError, err)
		return
	}
	select {
	case m.replies <- p:
	case <-m.ctx.Done():
	}
}

func (m *Manager) send(ctx context.Context, k Kind, body any) error {
	p, err := encode(k, body)
	if err != nil {
		return err
	}
	return m.conn.SendFile(ctx, p)
}

func (m *Manager) register(id string) (chan reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, context.Canceled
	}
	ch := make(chan reply, 4)
	m.waiters[id] = ch
	return ch, nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, id)
}

// notify hands r to whoever waits on id. It reports false when nobody does.
func (m *Manager) notify(id string, r reply) bool {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
		m.logger.Debug("file reply dropped", "id", id, "kind", r.kind.String())
	}
	return true
}

func (m *Manager) wait(ctx context.Context, ch chan reply) (reply, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-m.ctx.Done():
		return reply{}, context.Canceled
	}
}

// ============================================================================
// Sending side
// ============================================================================

// Send uploads the local file at path to the peer under name. If the peer
// holds a verified partial copy it resumes from there.
func (m *Manager) Send(ctx context.Context, path, name string) (*Result, error) {
	if name == "" {
		name = filepath.Base(path)
	}
	return m.transmit(ctx, uuid.NewString(), path, name)
}

func (m *Manager) transmit(ctx context.Context, id, path, name string) (res *Result, err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.cfg.Metrics.RecordFileTransfer(DirectionSend, result)
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", name)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", name, err)
	}

	replies, err := m.register(id)
	if err != nil {
		return nil, err
	}
	defer m.unregister(id)

	offer := Offer{
		ID:        id,
		Name:      name,
		Size:      st.Size(),
		ChunkSize: m.cfg.ChunkSize,
		SHA256:    h.Sum(nil),
		Mode:      uint32(st.Mode().Perm()),
	}
	if err := m.send(ctx, KindOffer, &offer); err != nil {
		return nil, err
	}

	r, err := m.wait(ctx, replies)
	if err != nil {
		m.cancelRemote(id)
		return nil, err
	}
	var acc Accept
	switch r.kind {
	case KindAccept:
		if err := protocol.DecodeBody(r.body, &acc); err != nil {
			return nil, err
		}
	case KindReject:
		return nil, rejectErr(r.body)
	default:
		return nil, fmt.Errorf("%w: %s before accept", protocol.ErrProtocolMismatch, r.kind)
	}
	if acc.Offset < 0 || acc.Offset > offer.Size {
		m.cancelRemote(id)
		return nil, fmt.Errorf("%w: resume offset %d of %d", protocol.ErrProtocolMismatch, acc.Offset, offer.Size)
	}
	if _, err := f.Seek(acc.Offset, io.SeekStart); err != nil {
		return nil, err
	}

	logger := m.logger.With("id", id, logging.KeyFile, name)
	if acc.Offset > 0 {
		logger.Info("resuming transfer", "offset", FormatSize(acc.Offset), "size", FormatSize(offer.Size))
	}

	buf := make([]byte, offer.ChunkSize)
	offset := acc.Offset
	index := uint32(offset / int64(offer.ChunkSize))
	var early *reply
	for offset < offer.Size {
		select {
		case r := <-replies:
			early = &r
		default:
		}
		if early != nil {
			break
		}

		n := int(min(int64(len(buf)), offer.Size-offset))
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			m.cancelRemote(id)
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := m.cfg.Throttle.Wait(ctx, n); err != nil {
			m.cancelRemote(id)
			return nil, err
		}
		sum := sha256.Sum256(buf[:n])
		err := m.send(ctx, KindChunk, &Chunk{ID: id, Index: index, Offset: offset, Data: buf[:n], SHA256: sum[:]})
		if err != nil {
			return nil, err
		}
		offset += int64(n)
		index++
		m.cfg.Metrics.RecordFileBytes(DirectionSend, n)
		if m.cfg.OnProgress != nil {
			m.cfg.OnProgress(id, offset, offer.Size)
		}
	}

	if early == nil {
		rr, err := m.wait(ctx, replies)
		if err != nil {
			m.cancelRemote(id)
			return nil, err
		}
		early = &rr
	}
	if err := doneErr(*early); err != nil {
		return nil, err
	}

	res = &Result{
		ID:          id,
		Name:        name,
		Path:        path,
		Size:        offer.Size,
		Resumed:     acc.Offset,
		Transferred: offset - acc.Offset,
		Duration:    time.Since(started),
	}
	logger.Info("file sent", "size", FormatSize(res.Size), logging.KeyDuration, res.Duration)
	return res, nil
}

func (m *Manager) cancelRemote(id string) {
	m.reply(KindCancel, &Cancel{ID: id})
}

func rejectErr(body []byte) error {
	var rej Reject
	if err := protocol.DecodeBody(body, &rej); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRejected, rej.Reason)
}

func doneErr(r reply) error {
	switch r.kind {
	case KindDone:
	case KindReject:
		return rejectErr(r.body)
	case KindCancel:
		return fmt.Errorf("%w: cancelled by peer", ErrRejected)
	default:
		return fmt.Errorf("%w: unexpected %s", protocol.ErrProtocolMismatch, r.kind)
	}
	var d Done
	if err := protocol.DecodeBody(r.body, &d); err != nil {
		return err
	}
	switch {
	case d.OK:
		return nil
	case d.Checksum:
		return fmt.Errorf("%w: %s", ErrChecksum, d.Error)
	default:
		return fmt.Errorf("transfer failed: %s", d.Error)
	}
}

// ============================================================================
// Requests to the peer
// ============================================================================

// Pull asks the peer for the file at remote (relative to its shared root)
// and waits until it is stored and verified in the configured directory.
func (m *Manager) Pull(ctx context.Context, remote string) (*Result, error) {
	if m.cfg.Dir == "" {
		return nil, ErrDisabled
	}
	id := uuid.NewString()
	replies, err := m.register(id)
	if err != nil {
		return nil, err
	}
	defer m.unregister(id)

	if err := m.send(ctx, KindPull, &Pull{ID: id, Path: remote}); err != nil {
		return nil, err
	}
	for {
		r, err := m.wait(ctx, replies)
		if err != nil {
			m.cancelRemote(id)
			m.dropIncoming(id)
			return nil, err
		}
		switch r.kind {
		case KindReject:
			return nil, rejectErr(r.body)
		case KindCancel:
			return nil, fmt.Errorf("%w: cancelled by peer", ErrRejected)
		case KindDone:
			return r.result, r.err
		}
	}
}

// List asks the peer for the entries of a directory under its shared root.
func (m *Manager) List(ctx context.Context, remote string) ([]Entry, error) {
	id := uuid.NewString()
	replies, err := m.register(id)
	if err != nil {
		return nil, err
	}
	defer m.unregister(id)

	if err := m.send(ctx, KindList, &List{ID: id, Path: remote}); err != nil {
		return nil, err
	}
	r, err := m.wait(ctx, replies)
	if err != nil {
		return nil, err
	}
	switch r.kind {
	case KindListing:
		var l Listing
		if err := protocol.DecodeBody(r.body, &l); err != nil {
			return nil, err
		}
		return l.Entries, nil
	case KindReject:
		return nil, rejectErr(r.body)
	default:
		return nil, fmt.Errorf("%w: %s answering list", protocol.ErrProtocolMismatch, r.kind)
	}
}

// ============================================================================
// Receiving side
// ============================================================================

// Handle processes one file channel payload from the peer.
func (m *Manager) Handle(p []byte) {
	k, body, err := decode(p)
	if err != nil {
		m.logger.Debug("malformed file message", logging.KeyError, err)
		return
	}
	switch k {
	case KindOffer:
		m.onOffer(body)
	case KindChunk:
		m.onChunk(body)
	case KindPull:
		m.onPull(body)
	case KindList:
		m.onList(body)
	case KindCancel:
		var c Cancel
		if protocol.DecodeBody(body, &c) != nil {
			return
		}
		m.dropIncoming(c.ID)
		m.notify(c.ID, reply{kind: KindCancel})
	case KindAccept, KindReject, KindDone, KindListing:
		var ref struct {
			ID string `cbor:"id"`
		}
		if protocol.DecodeBody(body, &ref) != nil {
			return
		}
		if !m.notify(ref.ID, reply{kind: k, body: body}) {
			m.logger.Debug("file reply for unknown transfer", "id", ref.ID, "kind", k.String())
		}
	default:
		m.logger.Debug("unknown file message", "kind", k.String())
	}
}

func (m *Manager) onOffer(body []byte) {
	var o Offer
	if err := protocol.DecodeBody(body, &o); err != nil {
		return
	}
	refuse := func(reason string) {
		m.logger.Info("file offer refused", "id", o.ID, "reason", reason)
		m.reply(KindReject, &Reject{ID: o.ID, Reason: reason})
		m.cfg.Metrics.RecordFileTransfer(DirectionReceive, "rejected")
		m.notify(o.ID, reply{kind: KindDone, err: fmt.Errorf("%w: %s", ErrRejected, reason)})
	}

	if m.cfg.Dir == "" {
		refuse("file transfer disabled")
		return
	}
	m.mu.Lock()
	_, requested := m.waiters[o.ID]
	_, dup := m.incoming[o.ID]
	m.mu.Unlock()
	if m.cfg.OnlyRequested && !requested {
		refuse("unsolicited offer")
		return
	}
	if dup {
		refuse("duplicate transfer id")
		return
	}
	if o.ID == "" || o.Size < 0 || o.ChunkSize <= 0 || o.ChunkSize > MaxChunkSize || len(o.SHA256) != sha256.Size {
		refuse("invalid offer")
		return
	}
	name, err := SafeName(o.Name)
	if err != nil {
		refuse(err.Error())
		return
	}

	dest := filepath.Join(m.cfg.Dir, name)
	part, err := openPartial(dest, &o)
	if err != nil {
		m.logger.Warn("open partial file failed", logging.KeyFile, name, logging.KeyError, err)
		refuse("cannot store file")
		return
	}
	in := &incoming{offer: o, part: part, dest: dest, resumed: part.info.Verified, started: time.Now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		part.close()
		return
	}
	m.incoming[o.ID] = in
	m.mu.Unlock()

	m.logger.Info("receiving file", "id", o.ID, logging.KeyFile, name,
		"size", FormatSize(o.Size), "resume_at", in.resumed)
	m.reply(KindAccept, &Accept{ID: o.ID, Offset: in.resumed})
	if in.resumed == o.Size {
		m.complete(in)
	}
}

func (m *Manager) onChunk(body []byte) {
	var c Chunk
	if err := protocol.DecodeBody(body, &c); err != nil {
		return
	}
	m.mu.Lock()
	in, ok := m.incoming[c.ID]
	m.mu.Unlock()
	if !ok {
		return
	}

	verified := in.part.info.Verified
	switch {
	case c.Offset != verified:
		m.fail(in, false, fmt.Sprintf("chunk %d at offset %d, expected %d", c.Index, c.Offset, verified))
		return
	case len(c.Data) > in.offer.ChunkSize || verified+int64(len(c.Data)) > in.offer.Size:
		m.fail(in, false, fmt.Sprintf("chunk %d exceeds offer", c.Index))
		return
	}
	sum := sha256.Sum256(c.Data)
	if !bytes.Equal(sum[:], c.SHA256) {
		m.fail(in, true, fmt.Sprintf("chunk %d", c.Index))
		return
	}
	if err := in.part.write(c.Data); err != nil {
		m.logger.Warn("write chunk failed", "id", c.ID, logging.KeyError, err)
		m.fail(in, false, "write failed")
		return
	}
	m.cfg.Metrics.RecordFileBytes(DirectionReceive, len(c.Data))
	if m.cfg.OnProgress != nil {
		m.cfg.OnProgress(c.ID, in.part.info.Verified, in.offer.Size)
	}
	if in.part.info.Verified == in.offer.Size {
		m.complete(in)
	}
}

// complete verifies the whole file and answers Done.
func (m *Manager) complete(in *incoming) {
	m.dropIncomingEntry(in.offer.ID)

	if err := in.part.finalize(os.FileMode(in.offer.Mode)); err != nil {
		m.logger.Warn("file verification failed", "id", in.offer.ID, logging.KeyFile, in.offer.Name, logging.KeyError, err)
		m.reply(KindDone, &Done{ID: in.offer.ID, Checksum: errors.Is(err, ErrChecksum), Error: err.Error()})
		m.cfg.Metrics.RecordFileTransfer(DirectionReceive, "error")
		m.notify(in.offer.ID, reply{kind: KindDone, err: err})
		return
	}

	res := &Result{
		ID:          in.offer.ID,
		Name:        in.offer.Name,
		Path:        in.dest,
		Size:        in.offer.Size,
		Resumed:     in.resumed,
		Transferred: in.offer.Size - in.resumed,
		Duration:    time.Since(in.started),
	}
	m.logger.Info("file received", "id", res.ID, logging.KeyFile, filepath.Base(res.Path),
		"size", FormatSize(res.Size), logging.KeyDuration, res.Duration)
	m.reply(KindDone, &Done{ID: in.offer.ID, OK: true})
	m.cfg.Metrics.RecordFileTransfer(DirectionReceive, "ok")
	m.notify(in.offer.ID, reply{kind: KindDone, result: res})
}

// fail ends a receive after a bad chunk. Verified data stays in the
// partial file so the sender may retry and resume.
func (m *Manager) fail(in *incoming, checksum bool, reason string) {
	m.dropIncoming(in.offer.ID)
	err := errors.New(reason)
	if checksum {
		err = fmt.Errorf("%w: %s", ErrChecksum, reason)
	}
	m.logger.Warn("file transfer failed", "id", in.offer.ID, logging.KeyFile, in.offer.Name, logging.KeyError, err)
	m.reply(KindDone, &Done{ID: in.offer.ID, Checksum: checksum, Error: err.Error()})
	m.cfg.Metrics.RecordFileTransfer(DirectionReceive, "error")
	m.notify(in.offer.ID, reply{kind: KindDone, err: err})
}

func (m *Manager) dropIncomingEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incoming, id)
}

func (m *Manager) dropIncoming(id string) {
	m.mu.Lock()
	in, ok := m.incoming[id]
	delete(m.incoming, id)
	m.mu.Unlock()
	if ok {
		in.part.close()
	}
}

func (m *Manager) onPull(body []byte) {
	var p Pull
	if err := protocol.DecodeBody(body, &p); err != nil {
		return
	}
	if m.cfg.Root == nil {
		m.reply(KindReject, &Reject{ID: p.ID, Reason: ErrDisabled.Error()})
		return
	}
	path, err := m.cfg.Root.Resolve(p.Path)
	if err != nil {
		m.reply(KindReject, &Reject{ID: p.ID, Reason: err.Error()})
		return
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		m.reply(KindReject, &Reject{ID: p.ID, Reason: "not a regular file: " + p.Path})
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "filetransfer.pull")
		if _, err := m.transmit(m.ctx, p.ID, path, filepath.Base(path)); err != nil && m.ctx.Err() == nil {
			m.logger.Warn("pull failed", "id", p.ID, logging.KeyFile, p.Path, logging.KeyError, err)
		}
	}()
}

func (m *Manager) onList(body []byte) {
	var l List
	if err := protocol.DecodeBody(body, &l); err != nil {
		return
	}
	if m.cfg.Root == nil {
		m.reply(KindReject, &Reject{ID: l.ID, Reason: ErrDisabled.Error()})
		return
	}
	entries, err := m.cfg.Root.List(l.Path)
	if err != nil {
		m.reply(KindReject, &Reject{ID: l.ID, Reason: err.Error()})
		return
	}
	m.reply(KindListing, &Listing{ID: l.ID, Path: l.Path, Entries: entries})
}
