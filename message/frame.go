package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// FrameMagic is the fixed first byte of every wire frame.
	FrameMagic uint8 = 0x88

	// FrameFormatVersion is the only wire format this codec understands.
	// §7 scopes schema evolution beyond this single version byte as a
	// non-goal: an unrecognized format version is a hard BadFrame error,
	// not a negotiation.
	FrameFormatVersion uint8 = 0x00

	// nullStringLen is the u16 sentinel for a null (not merely empty)
	// optional string.
	nullStringLen uint16 = 0xFFFF

	guidSize = 16
)

// ErrBadFrame covers bad magic, unknown format byte, and truncated or
// over-long frames (§7).
var ErrBadFrame = errors.New("message: bad frame")

// Encode serializes msg to its wire frame, exactly per §4.2's field
// table. Normalize is called first so the presence-driven flag bits
// always match the populated fields.
func Encode(msg *Message) ([]byte, error) {
	msg.Normalize()

	payload, err := msg.payloadBytes()
	if err != nil {
		return nil, fmt.Errorf("message: marshal payload: %w", err)
	}

	var body []byte
	body = appendU16String(body, msg.TypeID)
	body = append(body, msg.Version, msg.TTL)
	body = binary.BigEndian.AppendUint32(body, uint32(msg.Flags))
	body = appendOptionalString(body, msg.ToEP)
	body = appendOptionalString(body, msg.FromEP)
	body = appendOptionalString(body, msg.ReceiptEP)

	if msg.Flags.Has(FlagMsgID) {
		if msg.MsgID == nil {
			return nil, errors.New("message: MsgID flag set but MsgID is nil")
		}
		body = append(body, msg.MsgID[:]...)
	}
	if msg.Flags.Has(FlagSessionID) {
		if msg.SessionID == nil {
			return nil, errors.New("message: SessionID flag set but SessionID is nil")
		}
		body = append(body, msg.SessionID[:]...)
	}
	if msg.Flags.Has(FlagSecurityToken) {
		body = appendU16Bytes(body, msg.SecurityToken)
	}
	if msg.Flags.Has(FlagExtensionHeaders) {
		if len(msg.ExtensionHeaders) > 255 {
			return nil, errors.New("message: too many extension headers")
		}
		body = append(body, uint8(len(msg.ExtensionHeaders)))
		for _, h := range msg.ExtensionHeaders {
			if len(h.Content) > 0xFFFF {
				return nil, errors.New("message: extension header content too large")
			}
			body = append(body, h.ID)
			body = appendU16Bytes(body, h.Content)
		}
	}
	body = append(body, payload...)

	// Preamble: magic(1) + formatVersion(1) + totalLength(4) + body.
	total := 1 + 1 + 4 + len(body)
	frame := make([]byte, 0, total)
	frame = append(frame, FrameMagic, FrameFormatVersion)
	frame = binary.BigEndian.AppendUint32(frame, uint32(total))
	frame = append(frame, body...)

	msg.CachedFrame = frame
	msg.RawPayload = payload
	return frame, nil
}

// Decode parses a wire frame. If the frame's type ID is registered in reg,
// the payload is unmarshaled into a fresh Payload (Body is set). Otherwise
// the result is an envelope message (Body is nil, RawPayload holds the
// opaque bytes) suitable for unmodified re-forwarding — see Encode, which
// reconstructs byte-identical output for such a message because every
// header field and the payload bytes were preserved verbatim.
func Decode(data []byte, reg *Registry) (*Message, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: too short", ErrBadFrame)
	}
	if data[0] != FrameMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%02x", ErrBadFrame, data[0])
	}
	if data[1] != FrameFormatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrBadFrame, data[1])
	}
	total := binary.BigEndian.Uint32(data[2:6])
	if int(total) != len(data) {
		return nil, fmt.Errorf("%w: declared length %d, got %d bytes", ErrBadFrame, total, len(data))
	}

	rest := data[6:]
	typeID, rest, err := readU16String(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: type id: %v", ErrBadFrame, err)
	}
	if typeID == nil {
		return nil, fmt.Errorf("%w: type id must not be null", ErrBadFrame)
	}

	if len(rest) < 6 {
		return nil, fmt.Errorf("%w: truncated header", ErrBadFrame)
	}
	version := rest[0]
	ttl := rest[1]
	flags := Flags(binary.BigEndian.Uint32(rest[2:6]))
	rest = rest[6:]

	toEP, rest, err := readOptionalString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: toEP: %v", ErrBadFrame, err)
	}
	fromEP, rest, err := readOptionalString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: fromEP: %v", ErrBadFrame, err)
	}
	receiptEP, rest, err := readOptionalString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: receiptEP: %v", ErrBadFrame, err)
	}

	msg := &Message{
		Version:   version,
		TTL:       ttl,
		Flags:     flags,
		ToEP:      toEP,
		FromEP:    fromEP,
		ReceiptEP: receiptEP,
		TypeID:    *typeID,
	}

	if flags.Has(FlagMsgID) {
		if len(rest) < guidSize {
			return nil, fmt.Errorf("%w: truncated msgID", ErrBadFrame)
		}
		id, err := uuid.FromBytes(rest[:guidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: msgID: %v", ErrBadFrame, err)
		}
		msg.MsgID = &id
		rest = rest[guidSize:]
	}
	if flags.Has(FlagSessionID) {
		if len(rest) < guidSize {
			return nil, fmt.Errorf("%w: truncated sessionID", ErrBadFrame)
		}
		id, err := uuid.FromBytes(rest[:guidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: sessionID: %v", ErrBadFrame, err)
		}
		msg.SessionID = &id
		rest = rest[guidSize:]
	}
	if flags.Has(FlagSecurityToken) {
		tok, tail, err := readU16Bytes(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: securityToken: %v", ErrBadFrame, err)
		}
		msg.SecurityToken = tok
		rest = tail
	}
	if flags.Has(FlagExtensionHeaders) {
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: truncated extension count", ErrBadFrame)
		}
		count := int(rest[0])
		rest = rest[1:]
		seen := make(map[uint8]bool, count)
		for i := 0; i < count; i++ {
			if len(rest) < 1 {
				return nil, fmt.Errorf("%w: truncated extension header", ErrBadFrame)
			}
			id := rest[0]
			rest = rest[1:]
			content, tail, err := readU16Bytes(rest)
			if err != nil {
				return nil, fmt.Errorf("%w: extension header %d: %v", ErrBadFrame, id, err)
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: duplicate extension header id %d", ErrBadFrame, id)
			}
			seen[id] = true
			msg.ExtensionHeaders = append(msg.ExtensionHeaders, ExtensionHeader{ID: id, Content: content})
			rest = tail
		}
	}

	// Remainder is the payload.
	msg.RawPayload = rest

	if reg != nil {
		if p := reg.New(*typeID); p != nil {
			if err := p.Unmarshal(rest); err != nil {
				return nil, fmt.Errorf("message: unmarshal payload for %q: %w", *typeID, err)
			}
			msg.Body = p
		}
	}

	msg.CachedFrame = data
	return msg, nil
}

func appendU16String(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendOptionalString(dst []byte, s *string) []byte {
	if s == nil {
		return binary.BigEndian.AppendUint16(dst, nullStringLen)
	}
	return appendU16String(dst, *s)
}

func appendU16Bytes(dst []byte, b []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}

func readU16String(data []byte) (*string, []byte, error) {
	b, rest, err := readU16Bytes(data)
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		return nil, rest, nil // 0xFFFF: null string
	}
	s := string(b)
	return &s, rest, nil
}

func readOptionalString(data []byte) (*string, []byte, error) {
	if len(data) < 2 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.BigEndian.Uint16(data)
	if n == nullStringLen {
		return nil, data[2:], nil
	}
	if len(data) < 2+int(n) {
		return nil, nil, errors.New("truncated string")
	}
	s := string(data[2 : 2+int(n)])
	return &s, data[2+int(n):], nil
}

func readU16Bytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.BigEndian.Uint16(data)
	if n == nullStringLen {
		return nil, data[2:], nil
	}
	if len(data) < 2+int(n) {
		return nil, nil, errors.New("truncated bytes")
	}
	out := make([]byte, n)
	copy(out, data[2:2+int(n)])
	return out, data[2+int(n):], nil
}
