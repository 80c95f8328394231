package session

import (
	"fmt"
	"slices"

	"github.com/postalsys/freeviewer/internal/protocol"
)

// Intersect computes the agreed capability set from the host's and the
// client's offers. The client's codec order expresses preference. An empty
// dimension fails with ErrProtocolMismatch naming it.
func Intersect(host, client *protocol.Capabilities) (*protocol.Agreed, error) {
	if host.Version != client.Version {
		return nil, mismatch("version", "host %d, client %d", host.Version, client.Version)
	}

	agreed := &protocol.Agreed{
		MaxWidth:  min(host.MaxWidth, client.MaxWidth),
		MaxHeight: min(host.MaxHeight, client.MaxHeight),
		MaxFPS:    min(host.MaxFPS, client.MaxFPS),
	}
	if agreed.MaxWidth == 0 || agreed.MaxHeight == 0 || agreed.MaxFPS == 0 {
		return nil, mismatch("resolution", "%dx%d@%d", agreed.MaxWidth, agreed.MaxHeight, agreed.MaxFPS)
	}

	for _, codec := range client.Codecs {
		if slices.Contains(host.Codecs, codec) {
			agreed.Codec = codec
			break
		}
	}
	if agreed.Codec == "" {
		return nil, mismatch("codecs", "host %v, client %v", host.Codecs, client.Codecs)
	}

	// Canonical channel order keeps both sides' lists identical.
	for _, ch := range protocol.DataChannels {
		name := ch.String()
		if slices.Contains(host.Channels, name) && slices.Contains(client.Channels, name) {
			agreed.Channels = append(agreed.Channels, name)
		}
	}
	if len(agreed.Channels) == 0 {
		return nil, mismatch("channels", "host %v, client %v", host.Channels, client.Channels)
	}

	agreed.Monitors = slices.Clone(host.Monitors)
	if agreed.HasChannel(protocol.ChannelVideo) && len(agreed.Monitors) == 0 {
		return nil, mismatch("monitors", "host announced no monitors")
	}
	return agreed, nil
}

// checkAgreed verifies that an Agreed message received by the client stays
// within what the client offered.
func checkAgreed(offer *protocol.Capabilities, agreed *protocol.Agreed) error {
	if agreed.MaxWidth == 0 || agreed.MaxWidth > offer.MaxWidth ||
		agreed.MaxHeight == 0 || agreed.MaxHeight > offer.MaxHeight ||
		agreed.MaxFPS == 0 || agreed.MaxFPS > offer.MaxFPS {
		return mismatch("resolution", "agreed %dx%d@%d exceeds offer", agreed.MaxWidth, agreed.MaxHeight, agreed.MaxFPS)
	}
	if !slices.Contains(offer.Codecs, agreed.Codec) {
		return mismatch("codecs", "agreed codec %q was not offered", agreed.Codec)
	}
	if len(agreed.Channels) == 0 {
		return mismatch("channels", "no channels agreed")
	}
	for _, name := range agreed.Channels {
		if !slices.Contains(offer.Channels, name) {
			return mismatch("channels", "agreed channel %q was not offered", name)
		}
	}
	return nil
}

func mismatch(dimension, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", protocol.ErrProtocolMismatch, dimension, fmt.Sprintf(format, args...))
}
