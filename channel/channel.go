// Package channel defines the abstract I/O boundary between the
// router core and the outside world. A Channel is anything capable of
// carrying serialized frames to and from peer routers: MQTT, serial,
// TCP, or an in-process loopback for tests.
//
// §4.6 treats channels as external collaborators: "the core specifies
// only that the router receives fully parsed messages from them and
// hands them outbound frames to serialize." This interface is that
// contract, shaped like the teacher's transport.Transport
// (transport/interfaces.go) — a small Send/SetPacketHandler surface —
// generalized from MeshCore packets to router wire frames.
package channel

import (
	"context"

	"github.com/lilltek/router/endpoint"
)

// FrameHandler is invoked by a Channel for every inbound frame it
// receives, along with the channel's own name (used as the
// channelHint when resolving the sender's physical endpoint).
type FrameHandler func(frame []byte, fromChannel string)

// Channel is one outbound/inbound transport the router forwards
// frames over.
type Channel interface {
	// Name identifies this channel, matching the channelHint query
	// parameter (`?c=<channelHint>`) of a physical endpoint routed
	// through it.
	Name() string

	// Send transmits frame over this channel. to is the resolved
	// physical destination, provided for channels (e.g. a fan-out bus)
	// that need it for addressing; point-to-point channels may ignore
	// it.
	Send(ctx context.Context, frame []byte, to *endpoint.EP) error

	// SetFrameHandler installs the callback invoked for each inbound
	// frame. Called once by the router at registration time.
	SetFrameHandler(fn FrameHandler)

	// Close releases any resources held by the channel.
	Close() error
}
