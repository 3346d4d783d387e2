// Package wire implements the bencoded-dictionary wire format: the core's
// only contact with bytes on the network, reached exclusively through
// get/put-string and get/put-dict style accessors (spec §1, §6). The core
// itself never touches this package's Marshal/Unmarshal directly — it
// operates on the Message/Arguments model and leaves the codec to the bus.
package wire

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"

	"github.com/nmxmxh/reachdht/internal/kademlia"
)

// Message types (the "y" key).
const (
	TypeQuery = "q"
	TypeReply = "r"
	TypeError = "e"
)

// Query names (the "q" key).
const (
	QueryPing      = "ping"
	QueryFindNode  = "find_node"
	QueryGetPeers  = "get_peers"
)

// NodeRecordLen is the size in bytes of one compact node record: a 20-byte
// id followed by a 6-byte compact IPv4:port address.
const NodeRecordLen = kademlia.IDLen + 6

// Arguments is the "a" (query) or "r" (reply) dictionary payload.
type Arguments struct {
	ID       kademlia.ID
	Target   *kademlia.ID
	InfoHash *kademlia.ID
	Nodes    []byte // concatenation of NodeRecordLen-byte records
}

// Message is the core's in-memory model of one DHT datagram. The wire
// encoding of this model is bencode; see Marshal/Unmarshal below.
type Message struct {
	Tid   string
	Type  string // "q", "r", "e"
	Query string // only set when Type == TypeQuery
	Args  Arguments
}

// SearchTarget returns the target this message concerns, preferring
// "target" and falling back to "info_hash" (spec §4.4 step 1).
func (m Message) SearchTarget() (kademlia.ID, bool) {
	if m.Args.Target != nil {
		return *m.Args.Target, true
	}
	if m.Args.InfoHash != nil {
		return *m.Args.InfoHash, true
	}
	return kademlia.ID{}, false
}

// NodeRecord is one entry of a "nodes" wire blob.
type NodeRecord struct {
	ID   kademlia.ID
	Addr kademlia.Address
}

// EncodeNodes packs records into the "nodes" wire blob.
func EncodeNodes(nodes []NodeRecord) []byte {
	buf := make([]byte, 0, len(nodes)*NodeRecordLen)
	for _, n := range nodes {
		buf = append(buf, n.ID[:]...)
		buf = append(buf, n.Addr[:]...)
	}
	return buf
}

// DecodeNodes splits a "nodes" blob into records. A length not a multiple
// of NodeRecordLen is reported as an error — the caller treats this as a
// malformed-reply-as-ping-answer case per spec §4.4 step 2.
func DecodeNodes(blob []byte) ([]kademlia.ID, []kademlia.Address, error) {
	if len(blob)%NodeRecordLen != 0 {
		return nil, nil, fmt.Errorf("wire: nodes blob length %d not a multiple of %d", len(blob), NodeRecordLen)
	}
	n := len(blob) / NodeRecordLen
	ids := make([]kademlia.ID, n)
	addrs := make([]kademlia.Address, n)
	for i := 0; i < n; i++ {
		off := i * NodeRecordLen
		copy(ids[i][:], blob[off:off+kademlia.IDLen])
		copy(addrs[i][:], blob[off+kademlia.IDLen:off+NodeRecordLen])
	}
	return ids, addrs, nil
}

// wireDict is the bencode-level shape exchanged with bencode-go, which
// only understands plain maps/strings/ints — Message/Arguments is the
// ergonomic layer the rest of the core programs against.
type wireDict struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]string      `bencode:"a,omitempty"`
	R map[string]string      `bencode:"r,omitempty"`
}

// Marshal encodes m as a bencoded dictionary.
func Marshal(m Message) ([]byte, error) {
	d := wireDict{T: m.Tid, Y: m.Type, Q: m.Query}

	args := map[string]string{string(argKeyID): string(m.Args.ID[:])}
	if m.Args.Target != nil {
		args[argKeyTarget] = string(m.Args.Target[:])
	}
	if m.Args.InfoHash != nil {
		args[argKeyInfoHash] = string(m.Args.InfoHash[:])
	}
	if len(m.Args.Nodes) > 0 {
		args[argKeyNodes] = string(m.Args.Nodes)
	}

	switch m.Type {
	case TypeQuery:
		d.A = args
	case TypeReply:
		d.R = args
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

const (
	argKeyID       = "id"
	argKeyTarget   = "target"
	argKeyInfoHash = "info_hash"
	argKeyNodes    = "nodes"
)

// Unmarshal decodes a bencoded dictionary into a Message. Structural
// problems (missing/wrong-length id) are reported as errors; the caller
// decides disposition per spec §7 (drop from the search path, but the
// sender's id may still be valid and addable to the node store).
func Unmarshal(raw []byte) (Message, error) {
	var d wireDict
	if err := bencode.Unmarshal(bytes.NewReader(raw), &d); err != nil {
		return Message{}, fmt.Errorf("wire: unmarshal: %w", err)
	}

	m := Message{Tid: d.T, Type: d.Y, Query: d.Q}

	dict := d.A
	if d.Y == TypeReply {
		dict = d.R
	}
	if dict == nil {
		return m, fmt.Errorf("wire: missing arguments dictionary")
	}

	idRaw, ok := dict[argKeyID]
	if !ok {
		return m, fmt.Errorf("wire: missing id")
	}
	id, err := kademlia.IDFromBytes([]byte(idRaw))
	if err != nil {
		return m, fmt.Errorf("wire: %w", err)
	}
	m.Args.ID = id

	if v, ok := dict[argKeyTarget]; ok {
		t, err := kademlia.IDFromBytes([]byte(v))
		if err == nil {
			m.Args.Target = &t
		}
	}
	if v, ok := dict[argKeyInfoHash]; ok {
		ih, err := kademlia.IDFromBytes([]byte(v))
		if err == nil {
			m.Args.InfoHash = &ih
		}
	}
	if v, ok := dict[argKeyNodes]; ok {
		m.Args.Nodes = []byte(v)
	}

	return m, nil
}
