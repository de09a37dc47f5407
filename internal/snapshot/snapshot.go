// Package snapshot implements routerd's CLI introspection mechanism:
// the running daemon periodically writes its route table and peer set
// to a JSON file, and the `routerd routes`/`routerd peers` subcommands
// simply read it back. This keeps introspection in scope (no RPC API,
// per spec.md's non-goals) while still giving operators a real way to
// inspect a live router — grounded on the teacher's CLI surface
// (device/room/cli.go) generalized from a request/reply protocol
// command to a file-based snapshot, since this repo has no transport
// of its own to carry a query over.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/route"
)

// Peer is the JSON-friendly form of a route.PhysicalRoute.
type Peer struct {
	RouterEP             string    `json:"router_ep"`
	LogicalEndpointSetID uuid.UUID `json:"logical_endpoint_set_id"`
	LastSeen             time.Time `json:"last_seen"`
}

// LogicalRoute is the JSON-friendly form of a route.LogicalRoute.
type LogicalRoute struct {
	Endpoint    string   `json:"endpoint"`
	TargetGroup string   `json:"target_group,omitempty"`
	Keys        []string `json:"keys"`
}

// Snapshot is the full state dumped to disk.
type Snapshot struct {
	Taken                time.Time      `json:"taken"`
	LogicalEndpointSetID uuid.UUID      `json:"logical_endpoint_set_id"`
	Peers                []Peer         `json:"peers"`
	Routes               []LogicalRoute `json:"routes"`
}

// Build converts the router's live peer and route snapshots into a
// Snapshot ready to write.
func Build(logicalEndpointSetID uuid.UUID, peers []*route.PhysicalRoute, routes []*route.LogicalRoute) Snapshot {
	s := Snapshot{
		Taken:                time.Now(),
		LogicalEndpointSetID: logicalEndpointSetID,
	}
	for _, p := range peers {
		s.Peers = append(s.Peers, Peer{
			RouterEP:             p.RouterEP.String(),
			LogicalEndpointSetID: p.LogicalEndpointSetID,
			LastSeen:             p.LastSeen,
		})
	}
	for _, r := range routes {
		keys := make([]string, 0, len(r.Handlers))
		for k := range r.Handlers {
			keys = append(keys, k)
		}
		s.Routes = append(s.Routes, LogicalRoute{
			Endpoint:    r.Endpoint.String(),
			TargetGroup: r.TargetGroup,
			Keys:        keys,
		})
	}
	return s
}

// WriteFile writes s to path as indented JSON.
func WriteFile(path string, s Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and parses a Snapshot previously written by WriteFile.
func ReadFile(path string) (Snapshot, error) {
	var s Snapshot
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("snapshot: unmarshal %s: %w", path, err)
	}
	return s, nil
}
