package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned while the store has not loaded its replica yet.
	ErrNotReady = errors.New("notebook: replica not ready")
	// ErrBlockNotFound is returned when an op names a block that is not visible.
	ErrBlockNotFound = errors.New("notebook: block not found")
	// ErrBlockIndex is returned when an insert index is outside the block list.
	ErrBlockIndex = errors.New("notebook: block index out of range")
	// ErrReorderMismatch is returned when a new order is not a permutation of the blocks.
	ErrReorderMismatch = errors.New("notebook: reorder must list every block exactly once")
	// ErrInvalidBlockType is returned for block types outside text, code and component.
	ErrInvalidBlockType = errors.New("notebook: invalid block type")
)

// BlockType is the kind of content a block holds.
type BlockType string

const (
	BlockText      BlockType = "text"
	BlockCode      BlockType = "code"
	BlockComponent BlockType = "component"
)

func (t BlockType) Valid() bool {
	switch t {
	case BlockText, BlockCode, BlockComponent:
		return true
	}
	return false
}

// Metadata kinds.
const (
	MetadataComponent = "component"
	MetadataCode      = "code"
	MetadataNote      = "note"
)

// Metadata is the optional tagged variant attached to a block. Kind selects the
// variant; Fields carries its payload.
type Metadata struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate checks the variant tag and the fields it requires.
func (m *Metadata) Validate() error {
	switch m.Kind {
	case MetadataComponent:
		if m.Fields["component"] == "" {
			return fmt.Errorf("notebook: component metadata requires a component name")
		}
	case MetadataCode, MetadataNote:
	default:
		return fmt.Errorf("notebook: unknown metadata kind %q", m.Kind)
	}
	return nil
}

func encodeMetadata(m *Metadata) (string, error) {
	if m == nil {
		return "", nil
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) *Metadata {
	if s == "" {
		return nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return &m
}

// Block is one entry of a notebook as seen by the UI.
type Block struct {
	ID       string    `json:"id"`
	Type     BlockType `json:"type"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Language string    `json:"language,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Notebook is a materialized view of a replica.
type Notebook struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Blocks []Block `json:"blocks"`
}

// Field names a block register.
type Field uint8

const (
	FieldType Field = iota + 1
	FieldTitle
	FieldContent
	FieldLanguage
	FieldMetadata
	FieldPosition
)

func (f Field) String() string {
	switch f {
	case FieldType:
		return "type"
	case FieldTitle:
		return "title"
	case FieldContent:
		return "content"
	case FieldLanguage:
		return "language"
	case FieldMetadata:
		return "metadata"
	case FieldPosition:
		return "position"
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// OpID identifies a single op: a Lamport counter plus the actor that made it.
// OpIDs are totally ordered, counter first, actor as the tie-break.
type OpID struct {
	Counter uint64
	Actor   string
}

func (id OpID) Less(other OpID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Actor < other.Actor
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Actor)
}

// OpKind is the kind of mutation an op performs.
type OpKind uint8

const (
	OpSetTitle OpKind = iota + 1
	OpInsertBlock
	OpSetField
	OpDeleteBlock
)

// Op is one mutation inside a change. Pred lists the register values the
// writer saw and is overwriting.
type Op struct {
	Kind  OpKind
	Block string
	Field Field
	Value string
	Pred  []OpID
}

// Change is the unit of replication: every op made by one Mutate call.
type Change struct {
	Actor   string
	Seq     uint64
	StartOp uint64
	Deps    Clock
	Time    int64
	Message string
	Ops     []Op
}

func (c *Change) opID(i int) OpID {
	return OpID{Counter: c.StartOp + uint64(i), Actor: c.Actor}
}
