// Package store implements brotli-compressed snapshot persistence of the
// node store, grounded on the teacher's DHTStore/SaveState/LoadState shape
// (routing/dht.go) — a warm-restart aid explicitly supplemented from
// original_source/ per SPEC_FULL.md §13, not part of the routing core
// itself.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"

	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/nodestore"
)

// record is the JSON-serialisable shape of one node-store entry.
type record struct {
	ID    kademlia.ID      `json:"id"`
	Addr  kademlia.Address `json:"addr"`
	Reach uint32           `json:"reach"`
}

// Snapshot is the persisted image of a node store at a point in time.
type Snapshot struct {
	Nodes []record `json:"nodes"`
}

// Backend persists and retrieves the raw compressed snapshot bytes. The
// default is a FileBackend; tests use an in-memory one.
type Backend interface {
	Write(data []byte) error
	Read() ([]byte, error)
}

// FileBackend persists the snapshot to a single path on disk.
type FileBackend struct {
	Path string
}

func (f FileBackend) Write(data []byte) error {
	return os.WriteFile(f.Path, data, 0o600)
}

func (f FileBackend) Read() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Save serialises every record in s as JSON, brotli-compresses it, and
// hands the result to backend.
func Save(s *nodestore.Store, backend Backend) error {
	snap := Snapshot{}
	for _, n := range s.Snapshot() {
		snap.Nodes = append(snap.Nodes, record{ID: n.ID, Addr: n.Addr, Reach: n.Reach})
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("store: compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store: finalise snapshot: %w", err)
	}

	return backend.Write(buf.Bytes())
}

// Load decompresses and deserialises a snapshot from backend and restores
// it into s, overwriting any current content.
func Load(s *nodestore.Store, backend Backend) error {
	compressed, err := backend.Read()
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	r := brotli.NewReader(bytes.NewReader(compressed))
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: decompress snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("store: unmarshal snapshot: %w", err)
	}

	nodes := make([]nodestore.Node, len(snap.Nodes))
	for i, r := range snap.Nodes {
		nodes[i] = nodestore.Node{ID: r.ID, Addr: r.Addr, Reach: r.Reach}
	}
	s.Restore(nodes)
	return nil
}
