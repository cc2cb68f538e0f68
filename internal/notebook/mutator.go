package notebook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tx collects the ops of one local change. Reads through the Tx observe the
// Tx's own writes.
type Tx struct {
	actor string
	base  *Doc
	work  *Doc
	ops   []Op
	now   func() time.Time
	ids   func() string
}

func newTx(base *Doc, actor string, now func() time.Time, ids func() string) *Tx {
	return &Tx{actor: actor, base: base, work: base.shallow(), now: now, ids: ids}
}

// record applies op to the working copy so later reads see it.
func (tx *Tx) record(op Op) {
	tx.ops = append(tx.ops, op)
	c := Change{
		Actor:   tx.actor,
		Seq:     tx.work.clock.Get(tx.actor) + 1,
		StartOp: tx.base.maxOp + uint64(len(tx.ops)),
		Ops:     []Op{op},
	}
	tx.work.applyChange(c, map[string]bool{})
}

func (tx *Tx) setField(blockID string, field Field, value string) {
	b := tx.work.blocks[blockID]
	var pred []OpID
	if b != nil {
		pred = b.fields[field].ids()
	}
	tx.record(Op{Kind: OpSetField, Block: blockID, Field: field, Value: value, Pred: pred})
}

func (tx *Tx) visible(id string) error {
	b, ok := tx.work.blocks[id]
	if !ok || b.deleted {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return nil
}

// Blocks returns the current block order as seen by the transaction.
func (tx *Tx) Blocks() []Block {
	return tx.work.Notebook().Blocks
}

// SetTitle renames the notebook.
func (tx *Tx) SetTitle(title string) {
	tx.record(Op{Kind: OpSetTitle, Value: title, Pred: tx.work.title.ids()})
}

// InsertBlockAfter creates a block after the block at index; -1 inserts at the
// front. It returns the new block's id.
func (tx *Tx) InsertBlockAfter(index int, typ BlockType, content, language string) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBlockType, typ)
	}
	ordered := tx.work.ordered()
	if index < -1 || (index >= len(ordered) && !(len(ordered) == 0 && index == 0)) {
		return "", fmt.Errorf("%w: %d of %d", ErrBlockIndex, index, len(ordered))
	}
	var before, after string
	if index >= 0 && index < len(ordered) {
		before = ordered[index].position
	}
	// Concurrent inserts can leave equal positions; land after the whole tie.
	for next := index + 1; next < len(ordered); next++ {
		if ordered[next].position > before {
			after = ordered[next].position
			break
		}
	}
	pos, err := keyBetween(before, after)
	if err != nil {
		return "", err
	}
	id := tx.ids()
	tx.record(Op{Kind: OpInsertBlock, Block: id})
	tx.setField(id, FieldType, string(typ))
	tx.setField(id, FieldPosition, pos)
	if content != "" {
		tx.setField(id, FieldContent, content)
	}
	if language != "" {
		tx.setField(id, FieldLanguage, language)
	}
	return id, nil
}

// UpdateBlockContent replaces a block's content.
func (tx *Tx) UpdateBlockContent(id, content string) error {
	if err := tx.visible(id); err != nil {
		return err
	}
	tx.setField(id, FieldContent, content)
	return nil
}

// UpdateBlockTitle replaces a block's title.
func (tx *Tx) UpdateBlockTitle(id, title string) error {
	if err := tx.visible(id); err != nil {
		return err
	}
	tx.setField(id, FieldTitle, title)
	return nil
}

// UpdateBlockLanguage sets the language of a block; empty clears it.
func (tx *Tx) UpdateBlockLanguage(id, language string) error {
	if err := tx.visible(id); err != nil {
		return err
	}
	tx.setField(id, FieldLanguage, language)
	return nil
}

// UpdateBlockMetadata replaces a block's metadata; nil clears it.
func (tx *Tx) UpdateBlockMetadata(id string, md *Metadata) error {
	if err := tx.visible(id); err != nil {
		return err
	}
	value, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	tx.setField(id, FieldMetadata, value)
	return nil
}

// DeleteBlock tombstones a block.
func (tx *Tx) DeleteBlock(id string) error {
	if err := tx.visible(id); err != nil {
		return err
	}
	tx.record(Op{Kind: OpDeleteBlock, Block: id})
	return nil
}

// Reorder arranges the blocks in newOrder. Only blocks outside the longest run
// already in relative order get a new position, so concurrent reorders of
// different blocks both take effect.
func (tx *Tx) Reorder(newOrder []string) error {
	ordered := tx.work.ordered()
	if len(newOrder) != len(ordered) {
		return ErrReorderMismatch
	}
	current := make(map[string]string, len(ordered))
	for _, o := range ordered {
		current[o.state.id] = o.position
	}
	positions := make([]string, len(newOrder))
	seen := make(map[string]bool, len(newOrder))
	for i, id := range newOrder {
		pos, ok := current[id]
		if !ok || seen[id] {
			return ErrReorderMismatch
		}
		seen[id] = true
		positions[i] = pos
	}
	keep := stableRun(positions)
	prev := ""
	for i, id := range newOrder {
		if keep[i] {
			prev = positions[i]
			continue
		}
		next := ""
		for j := i + 1; j < len(newOrder); j++ {
			if keep[j] {
				next = positions[j]
				break
			}
		}
		pos, err := keyBetween(prev, next)
		if err != nil {
			return err
		}
		tx.setField(id, FieldPosition, pos)
		prev = pos
	}
	return nil
}

// change assembles the recorded ops into a change against base.
func (tx *Tx) change(message string) (Change, bool) {
	if len(tx.ops) == 0 {
		return Change{}, false
	}
	deps := tx.base.clock.Clone()
	delete(deps, tx.actor)
	return Change{
		Actor:   tx.actor,
		Seq:     tx.base.clock.Get(tx.actor) + 1,
		StartOp: tx.base.maxOp + 1,
		Deps:    deps,
		Time:    tx.now().UnixMilli(),
		Message: message,
		Ops:     tx.ops,
	}, true
}

// NewActor returns a fresh actor id.
func NewActor() string {
	return uuid.NewString()
}
