// Package node manages the identity of this EpochChat server instance and the
// ULID generator shared by every component that mints IDs.
//
// Every instance has a persistent ULID, generated on first start and stored in
// the data directory. The broker stamps it on every published event so that a
// subscriber can tell its own events from those of other instances.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// ID is a ULID string that uniquely identifies an EpochChat process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this server instance.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/node_id.
// If the file does not exist a new ULID is generated and written.
// If nodeIDOverride is "auto" or empty the file-based ID is used.
func New(dataDir string, nodeIDOverride string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if nodeIDOverride != "" && nodeIDOverride != "auto" {
		if err := Validate(nodeIDOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", nodeIDOverride, err)
		}
		return &Node{id: ID(nodeIDOverride), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// Ephemeral returns a Node with a fresh, unpersisted ID. Used by tests and by
// the in-memory broker when several instances share one process.
func Ephemeral() *Node {
	return &Node{id: ID(MustNewID())}
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory for this node. Empty for an
// ephemeral node.
func (n *Node) DataDir() string { return n.dataDir }

// Path joins name onto the node's data directory.
func (n *Node) Path(name string) string {
	return filepath.Join(n.dataDir, name)
}

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}

	return ID(s), nil
}

// monoEntropy is shared by every generator call so that IDs minted in the
// same millisecond still sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
	lastMs      uint64
)

// NewIDAt generates a ULID whose timestamp component is ms. If ms is earlier
// than the last timestamp handed out, the last timestamp is reused so the
// result still sorts after every previously generated ID.
func NewIDAt(ms int64) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ts := uint64(ms)
	if ts < lastMs {
		ts = lastMs
	}
	id, err := ulid.New(ts, monoEntropy)
	if err != nil {
		return "", err
	}
	lastMs = ts
	return id.String(), nil
}

// NewID generates a fresh, time-ordered ULID. Message IDs, client IDs and
// instance IDs all come from here.
func NewID() (string, error) {
	return NewIDAt(time.Now().UnixMilli())
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time extracts the millisecond timestamp embedded in a ULID.
func Time(s string) (int64, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return 0, err
	}
	return int64(id.Time()), nil
}
