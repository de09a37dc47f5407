// Package message defines the router's wire message: a fixed header, up to
// 255 extension headers, and a concrete-type payload, plus the envelope
// mechanism used to forward messages whose concrete type is not registered
// locally.
//
// This corresponds to the teacher's codec.Packet (core/codec/packet.go):
// a small fixed header plus a variable path/payload, (de)serialized with
// explicit big/little-endian field-at-a-time code rather than reflection.
// Message follows the same "explicit Encode/Decode, sentinel errors, no
// magic reflection" style, generalized from a single fixed packet shape to a
// header + named extension-header set + polymorphic payload.
package message

import (
	"errors"

	"github.com/google/uuid"
)

// Flags is the 32-bit header flag field. Bit values are wire-compatible
// and must not be renumbered.
type Flags uint32

const (
	FlagMsgID            Flags = 0x00000001
	FlagSessionID        Flags = 0x00000002
	FlagBroadcast        Flags = 0x00000004
	FlagOpenSession      Flags = 0x00000008
	FlagServerSession    Flags = 0x00000010
	FlagReceiptRequest   Flags = 0x00000020
	FlagPriority         Flags = 0x00000040
	FlagExtensionHeaders Flags = 0x00000080
	FlagClosestRoute     Flags = 0x00000100
	FlagSecurityToken    Flags = 0x00000200
	FlagKeepSessionID    Flags = 0x08000000
	FlagRoutingScopeMask Flags = 0x70000000
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ExtensionHeader is one opaque, identified extension record. A Message
// carries at most 255 of them, one per id (§3).
type ExtensionHeader struct {
	ID      uint8
	Content []byte
}

// Payload is implemented by every registered concrete message type. It is
// the polymorphic (de)serialization contract referenced throughout §4.2.
type Payload interface {
	// TypeID returns the wire type identifier this payload serializes as.
	// Stable across renames — this is what makes the wire format
	// compatible with a deployment that renames the corresponding class.
	TypeID() string
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Factory constructs a zero-value Payload for a registered type ID. This
// plays the role of the "parameterless constructor" requirement in §4.2.
type Factory func() Payload

var (
	// ErrAlreadyInUse guards against reuse of a Message the library
	// still considers in flight (§3's "inUse" debug invariant).
	ErrAlreadyInUse = errors.New("message is still in use")
)

// Message is the router's in-memory message record. The header fields
// mirror §3 exactly; ExtensionHeaders, Body/RawPayload, and the
// non-persistent fields below round out the record.
type Message struct {
	// Header
	Version       uint8
	TTL           uint8
	Flags         Flags
	ToEP          *string
	FromEP        *string
	ReceiptEP     *string
	MsgID         *uuid.UUID
	SessionID     *uuid.UUID
	SecurityToken []byte

	ExtensionHeaders []ExtensionHeader

	// TypeID is the wire type identifier. For a registered message this
	// matches Body.TypeID(); for an envelope it is whatever type ID the
	// original sender used, preserved opaquely.
	TypeID string

	// Body is the decoded payload for a locally-registered type. Nil for
	// envelope messages — see IsEnvelope.
	Body Payload

	// RawPayload holds the encoded payload bytes. For a registered type
	// this is populated by Encode (from Body.Marshal()) or by Decode
	// (prior to Unmarshal, retained for diagnostics). For an envelope it
	// is the only representation of the payload and is never decoded.
	RawPayload []byte

	// Non-persistent fields (§3): present only while the message is
	// in-flight inside the messaging library, never serialized.
	SessionRef     any
	ReceiveChannel any
	CachedFrame    []byte

	inUse bool
}

// IsEnvelope reports whether this message's concrete type was not
// registered locally — its payload is carried opaquely for forwarding.
func (m *Message) IsEnvelope() bool { return m.Body == nil }

// MarkInUse flags the message as owned by the messaging library, per the
// debug invariant in §3. Handlers release it (directly or implicitly, by
// returning) when dispatch completes.
func (m *Message) MarkInUse() { m.inUse = true }

// Release clears the in-use flag, returning the message to the
// application. Safe to call even if never marked in-use.
func (m *Message) Release() { m.inUse = false }

// InUse reports the current in-use state.
func (m *Message) InUse() bool { return m.inUse }

// Normalize recomputes the presence-driven header flags (MsgID,
// SessionID, SecurityToken, ExtensionHeaders) from the message's actual
// field values, enforcing the §3 invariant that each flag bit tracks
// whether its field is populated. Call before Encode.
func (m *Message) Normalize() {
	setFlag(&m.Flags, FlagMsgID, m.MsgID != nil)
	setFlag(&m.Flags, FlagSessionID, m.SessionID != nil)
	setFlag(&m.Flags, FlagSecurityToken, len(m.SecurityToken) > 0)
	setFlag(&m.Flags, FlagExtensionHeaders, len(m.ExtensionHeaders) > 0)
}

func setFlag(f *Flags, bit Flags, on bool) {
	if on {
		*f |= bit
	} else {
		*f &^= bit
	}
}

// DecrementTTL decrements the hop counter and reports whether the message
// is still alive (TTL > 0 after decrementing). A message reaching TTL 0
// must be dropped by the caller (§3).
func (m *Message) DecrementTTL() bool {
	if m.TTL == 0 {
		return false
	}
	m.TTL--
	return m.TTL > 0
}

// ExtensionHeaderByID returns the extension header with the given id, or
// nil if absent. §3 permits at most one record per id.
func (m *Message) ExtensionHeaderByID(id uint8) *ExtensionHeader {
	for i := range m.ExtensionHeaders {
		if m.ExtensionHeaders[i].ID == id {
			return &m.ExtensionHeaders[i]
		}
	}
	return nil
}

// SetExtensionHeader inserts or replaces the extension header for id.
// Returns an error if the message already carries 255 distinct ids and
// id is not among them.
func (m *Message) SetExtensionHeader(id uint8, content []byte) error {
	if h := m.ExtensionHeaderByID(id); h != nil {
		h.Content = content
		return nil
	}
	if len(m.ExtensionHeaders) >= 255 {
		return errors.New("message: extension header table full")
	}
	m.ExtensionHeaders = append(m.ExtensionHeaders, ExtensionHeader{ID: id, Content: content})
	return nil
}

// Equal reports whether two messages are equal on every serialized field
// (the Round-trip Invariant in §4.2/§8 is phrased in exactly these terms).
// Body equality is delegated to byte-for-byte comparison of the marshaled
// payload rather than requiring Payload to implement Equal itself.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	if m.Version != other.Version || m.TTL != other.TTL || m.Flags != other.Flags {
		return false
	}
	if !strPtrEqual(m.ToEP, other.ToEP) || !strPtrEqual(m.FromEP, other.FromEP) || !strPtrEqual(m.ReceiptEP, other.ReceiptEP) {
		return false
	}
	if !uuidPtrEqual(m.MsgID, other.MsgID) || !uuidPtrEqual(m.SessionID, other.SessionID) {
		return false
	}
	if !bytesEqual(m.SecurityToken, other.SecurityToken) {
		return false
	}
	if len(m.ExtensionHeaders) != len(other.ExtensionHeaders) {
		return false
	}
	for i := range m.ExtensionHeaders {
		if m.ExtensionHeaders[i].ID != other.ExtensionHeaders[i].ID {
			return false
		}
		if !bytesEqual(m.ExtensionHeaders[i].Content, other.ExtensionHeaders[i].Content) {
			return false
		}
	}
	if m.TypeID != other.TypeID {
		return false
	}
	aPayload, _ := m.payloadBytes()
	bPayload, _ := other.payloadBytes()
	return bytesEqual(aPayload, bPayload)
}

func (m *Message) payloadBytes() ([]byte, error) {
	if m.Body != nil {
		return m.Body.Marshal()
	}
	return m.RawPayload, nil
}

func strPtrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
