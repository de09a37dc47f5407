// Package routerid gives each router an Ed25519 identity and signs
// the peer-advertisement payload described in §6: a key-value bag
// (protocol-ver, build-ver, p2p-enable, receipt-send,
// dead-router-detect, machine-name) plus the logicalEndpointSetID that
// changes whenever the dispatcher's handler set changes.
//
// Signing follows the teacher's ADVERT signing exactly
// (core/crypto/advert.go): sign/verify over pubKey || timestamp ||
// payload, using crypto/ed25519 directly rather than an abstracted
// signature interface, since the wire format fixes the algorithm.
package routerid

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Identity is a router's Ed25519 keypair and its derived public ID.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh random Identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("routerid: generate key: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// FromSeed deterministically derives an Identity from a 32-byte seed,
// for operators who provision router identities out of band.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("routerid: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// Advertisement is the peer-advertisement payload of §6: a flat
// key-value bag plus the accompanying logicalEndpointSetID.
type Advertisement struct {
	Attrs                map[string]string
	LogicalEndpointSetID uuid.UUID
	Timestamp            uint32
}

// StandardAttrs constructs the recognized attribute set named in §6.
func StandardAttrs(protocolVer, buildVer string, p2pEnable, receiptSend, deadRouterDetect bool, machineName string) map[string]string {
	return map[string]string{
		"protocol-ver":       protocolVer,
		"build-ver":          buildVer,
		"p2p-enable":         boolStr(p2pEnable),
		"receipt-send":       boolStr(receiptSend),
		"dead-router-detect": boolStr(deadRouterDetect),
		"machine-name":       machineName,
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Sign signs adv with id's private key, returning the 64-byte Ed25519
// signature.
func (id *Identity) Sign(adv Advertisement) [64]byte {
	var sig [64]byte
	raw := ed25519.Sign(id.PrivateKey, signedMessage(id.PublicKey, adv))
	copy(sig[:], raw)
	return sig
}

// Verify checks adv's signature against the advertising peer's public
// key.
func Verify(pub ed25519.PublicKey, adv Advertisement, sig [64]byte) bool {
	return ed25519.Verify(pub, signedMessage(pub, adv), sig[:])
}

// signedMessage builds the exact byte sequence that gets signed:
// pubKey || timestamp(4 BE) || logicalEndpointSetID(16) || sorted
// "key=value\n" attribute lines. Sorting the attributes makes the
// signed form independent of map iteration order.
func signedMessage(pub ed25519.PublicKey, adv Advertisement) []byte {
	keys := make([]string, 0, len(adv.Attrs))
	for k := range adv.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(adv.Attrs[k])
		sb.WriteByte('\n')
	}

	msg := make([]byte, 0, len(pub)+4+16+sb.Len())
	msg = append(msg, pub...)
	msg = binary.BigEndian.AppendUint32(msg, adv.Timestamp)
	setID := adv.LogicalEndpointSetID
	msg = append(msg, setID[:]...)
	msg = append(msg, sb.String()...)
	return msg
}
