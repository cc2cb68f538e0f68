package notebook

import (
	"sort"
)

// regValue is one live value of a multi-value register.
type regValue struct {
	id    OpID
	value string
}

// register keeps every concurrent value; the highest OpID wins.
type register []regValue

func (r register) winner() (regValue, bool) {
	if len(r) == 0 {
		return regValue{}, false
	}
	best := r[0]
	for _, v := range r[1:] {
		if best.id.Less(v.id) {
			best = v
		}
	}
	return best, true
}

func (r register) value() string {
	v, _ := r.winner()
	return v.value
}

func (r register) ids() []OpID {
	out := make([]OpID, len(r))
	for i, v := range r {
		out[i] = v.id
	}
	return out
}

// set drops the values named in pred and adds the new one.
func (r register) set(id OpID, value string, pred []OpID) register {
	out := make(register, 0, len(r)+1)
	for _, v := range r {
		overwritten := false
		for _, p := range pred {
			if p == v.id {
				overwritten = true
				break
			}
		}
		if !overwritten && v.id != id {
			out = append(out, v)
		}
	}
	return append(out, regValue{id: id, value: value})
}

type blockState struct {
	id      string
	created OpID
	deleted bool
	fields  map[Field]register
}

func (b *blockState) clone() *blockState {
	fields := make(map[Field]register, len(b.fields))
	for k, v := range b.fields {
		fields[k] = v
	}
	return &blockState{id: b.id, created: b.created, deleted: b.deleted, fields: fields}
}

// Doc is an immutable snapshot of a notebook replica. Every method that
// changes the replica returns a new Doc and leaves the receiver untouched.
type Doc struct {
	id      string
	title   register
	blocks  map[string]*blockState
	clock   Clock
	maxOp   uint64
	changes []Change
	pending []Change
}

// New returns an empty replica for the notebook id.
func New(id string) *Doc {
	return &Doc{
		id:     id,
		blocks: map[string]*blockState{},
		clock:  Clock{},
	}
}

func (d *Doc) ID() string { return d.id }

// Clock returns a copy of the replica's vector clock.
func (d *Doc) Clock() Clock { return d.clock.Clone() }

// MaxOp is the highest op counter applied so far.
func (d *Doc) MaxOp() uint64 { return d.maxOp }

// Pending is the number of received changes waiting for their dependencies.
func (d *Doc) Pending() int { return len(d.pending) }

// Changes returns every applied change in application order, which is a
// causal order.
func (d *Doc) Changes() []Change {
	out := make([]Change, len(d.changes))
	copy(out, d.changes)
	return out
}

// ChangesSince returns the applied changes not covered by known, in causal order.
func (d *Doc) ChangesSince(known Clock) []Change {
	var out []Change
	for _, c := range d.changes {
		if c.Seq > known.Get(c.Actor) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Doc) shallow() *Doc {
	blocks := make(map[string]*blockState, len(d.blocks))
	for k, v := range d.blocks {
		blocks[k] = v
	}
	return &Doc{
		id:      d.id,
		title:   d.title,
		blocks:  blocks,
		clock:   d.clock.Clone(),
		maxOp:   d.maxOp,
		changes: d.changes[:len(d.changes):len(d.changes)],
		pending: d.pending[:len(d.pending):len(d.pending)],
	}
}

// Apply integrates changes into a new snapshot. Changes already applied are
// skipped, changes with unmet dependencies are queued until they can be
// applied. Apply never fails on well-formed changes.
func (d *Doc) Apply(changes ...Change) *Doc {
	out := d.shallow()
	touched := map[string]bool{}
	for _, c := range changes {
		out.enqueue(c)
	}
	for progress := true; progress; {
		progress = false
		remaining := out.pending[:0:0]
		for _, c := range out.pending {
			switch {
			case c.Seq <= out.clock.Get(c.Actor):
				progress = true
			case out.ready(c):
				out.applyChange(c, touched)
				progress = true
			default:
				remaining = append(remaining, c)
			}
		}
		out.pending = remaining
	}
	return out
}

func (d *Doc) enqueue(c Change) {
	if c.Seq <= d.clock.Get(c.Actor) {
		return
	}
	for _, p := range d.pending {
		if p.Actor == c.Actor && p.Seq == c.Seq {
			return
		}
	}
	d.pending = append(d.pending, c)
}

func (d *Doc) ready(c Change) bool {
	if c.Seq != d.clock.Get(c.Actor)+1 {
		return false
	}
	for actor, seq := range c.Deps {
		if actor != c.Actor && d.clock.Get(actor) < seq {
			return false
		}
	}
	return true
}

// applyChange mutates d in place; callers must own d (see shallow). Block
// states are copied the first time a change touches them.
func (d *Doc) applyChange(c Change, touched map[string]bool) {
	block := func(id string) *blockState {
		b, ok := d.blocks[id]
		if !ok {
			return nil
		}
		if !touched[id] {
			b = b.clone()
			d.blocks[id] = b
			touched[id] = true
		}
		return b
	}
	for i, op := range c.Ops {
		id := c.opID(i)
		switch op.Kind {
		case OpSetTitle:
			d.title = d.title.set(id, op.Value, op.Pred)
		case OpInsertBlock:
			if _, exists := d.blocks[op.Block]; exists {
				continue
			}
			d.blocks[op.Block] = &blockState{id: op.Block, created: id, fields: map[Field]register{}}
			touched[op.Block] = true
		case OpSetField:
			if b := block(op.Block); b != nil {
				b.fields[op.Field] = b.fields[op.Field].set(id, op.Value, op.Pred)
			}
		case OpDeleteBlock:
			if b := block(op.Block); b != nil {
				b.deleted = true
			}
		}
	}
	d.clock[c.Actor] = c.Seq
	if n := uint64(len(c.Ops)); n > 0 && c.StartOp+n-1 > d.maxOp {
		d.maxOp = c.StartOp + n - 1
	}
	d.changes = append(d.changes, c)
}

type orderedBlock struct {
	state    *blockState
	position string
}

// ordered returns the visible blocks sorted by (position, id).
func (d *Doc) ordered() []orderedBlock {
	out := make([]orderedBlock, 0, len(d.blocks))
	for _, b := range d.blocks {
		if b.deleted {
			continue
		}
		out = append(out, orderedBlock{state: b, position: b.fields[FieldPosition].value()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].position != out[j].position {
			return out[i].position < out[j].position
		}
		return out[i].state.id < out[j].state.id
	})
	return out
}

func (b *blockState) view() Block {
	return Block{
		ID:       b.id,
		Type:     BlockType(b.fields[FieldType].value()),
		Title:    b.fields[FieldTitle].value(),
		Content:  b.fields[FieldContent].value(),
		Language: b.fields[FieldLanguage].value(),
		Metadata: decodeMetadata(b.fields[FieldMetadata].value()),
	}
}

// Notebook materializes the replica.
func (d *Doc) Notebook() Notebook {
	ordered := d.ordered()
	nb := Notebook{ID: d.id, Title: d.title.value(), Blocks: make([]Block, 0, len(ordered))}
	for _, o := range ordered {
		nb.Blocks = append(nb.Blocks, o.state.view())
	}
	return nb
}

// Len is the number of visible blocks.
func (d *Doc) Len() int {
	n := 0
	for _, b := range d.blocks {
		if !b.deleted {
			n++
		}
	}
	return n
}

// Block returns the visible block with the given id.
func (d *Doc) Block(id string) (Block, bool) {
	b, ok := d.blocks[id]
	if !ok || b.deleted {
		return Block{}, false
	}
	return b.view(), true
}

// Deleted reports whether the block id is tombstoned in this replica.
func (d *Doc) Deleted(id string) bool {
	b, ok := d.blocks[id]
	return ok && b.deleted
}

// Conflicts returns every concurrent value held by a block field, winner
// first. A field written without concurrency has a single value.
func (d *Doc) Conflicts(blockID string, field Field) []string {
	b, ok := d.blocks[blockID]
	if !ok {
		return nil
	}
	reg := append(register(nil), b.fields[field]...)
	sort.Slice(reg, func(i, j int) bool { return reg[j].id.Less(reg[i].id) })
	out := make([]string, len(reg))
	for i, v := range reg {
		out[i] = v.value
	}
	return out
}
