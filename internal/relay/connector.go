package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/transport"
)

// Brokered is a client's pending connection attempt after the relay has
// located the host.
type Brokered struct {
	BrokerID       string
	HostCandidates []string
	DirectTimeout  time.Duration

	stream transport.Stream
	fr     *protocol.FrameReader
	fw     *protocol.FrameWriter
}

// RequestConnect asks the relay to broker a session with target. It
// returns once the host has answered with its candidates.
func RequestConnect(ctx context.Context, relay StreamOpener, target identity.MachineID, candidates []string) (*Brokered, error) {
	stream, err := relay.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open relay stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	b := &Brokered{
		stream: stream,
		fr:     protocol.NewFrameReader(stream),
		fw:     protocol.NewFrameWriter(stream),
	}

	req := &protocol.ConnectRequest{
		Version:    protocol.Version,
		TargetID:   uint32(target),
		Candidates: candidates,
	}
	if err := protocol.WriteMessage(b.fw, protocol.ChannelRelay, protocol.MsgConnectRequest, req); err != nil {
		stream.Close()
		return nil, err
	}

	msgType, body, err := protocol.ReadMessage(b.fr, protocol.ChannelRelay)
	if err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	switch msgType {
	case protocol.MsgConnectInfo:
		var info protocol.ConnectInfo
		if err := protocol.DecodeBody(body, &info); err != nil {
			stream.Close()
			return nil, err
		}
		b.BrokerID = info.BrokerID
		b.HostCandidates = info.HostCandidates
		b.DirectTimeout = protocol.FromMillis(info.DirectTimeoutMs)
		return b, nil
	case protocol.MsgRelayError:
		stream.Close()
		return nil, decodeRelayError(body)
	default:
		stream.Close()
		return nil, fmt.Errorf("%w: unexpected %s", protocol.ErrProtocolMismatch, msgType)
	}
}

// ReportDirect tells the relay the direct path succeeded and releases the
// brokering stream.
func (b *Brokered) ReportDirect() error {
	defer b.stream.Close()
	return protocol.WriteMessage(b.fw, protocol.ChannelRelay, protocol.MsgConnectResult,
		&protocol.ConnectResult{BrokerID: b.BrokerID, Direct: true})
}

// Fallback reports the direct attempt as failed and waits for the relay to
// bind the host. The returned stream carries opaque session frames.
func (b *Brokered) Fallback(ctx context.Context) (transport.Stream, error) {
	stop := context.AfterFunc(ctx, func() { b.stream.Close() })
	defer stop()

	res := &protocol.ConnectResult{BrokerID: b.BrokerID, Direct: false}
	if err := protocol.WriteMessage(b.fw, protocol.ChannelRelay, protocol.MsgConnectResult, res); err != nil {
		b.stream.Close()
		return nil, err
	}

	msgType, body, err := protocol.ReadMessage(b.fr, protocol.ChannelRelay)
	if err != nil {
		b.stream.Close()
		return nil, err
	}
	switch msgType {
	case protocol.MsgForwardStart:
	case protocol.MsgRelayError:
		b.stream.Close()
		return nil, decodeRelayError(body)
	default:
		b.stream.Close()
		return nil, fmt.Errorf("%w: unexpected %s", protocol.ErrProtocolMismatch, msgType)
	}

	if err := expectReady(b.fr); err != nil {
		b.stream.Close()
		return nil, err
	}
	return b.stream, nil
}

// Close abandons the attempt.
func (b *Brokered) Close() error {
	return b.stream.Close()
}
