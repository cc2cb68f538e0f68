package notebook

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt is returned when encoded changes cannot be parsed.
var ErrCorrupt = errors.New("notebook: corrupt encoding")

// Field numbers of the change encoding.
const (
	changeActor   protowire.Number = 1
	changeSeq     protowire.Number = 2
	changeStartOp protowire.Number = 3
	changeDeps    protowire.Number = 4
	changeTime    protowire.Number = 5
	changeMessage protowire.Number = 6
	changeOps     protowire.Number = 7

	opKind  protowire.Number = 1
	opBlock protowire.Number = 2
	opField protowire.Number = 3
	opValue protowire.Number = 4
	opPred  protowire.Number = 5

	opIDCounter protowire.Number = 1
	opIDActor   protowire.Number = 2

	clockActor protowire.Number = 1
	clockSeq   protowire.Number = 2

	listChange protowire.Number = 1
)

// snapshotVersion prefixes saved replicas.
const snapshotVersion byte = 0x01

// AppendClock appends clock entries as repeated field num.
func AppendClock(b []byte, num protowire.Number, c Clock) []byte {
	for _, actor := range c.Actors() {
		var e []byte
		e = protowire.AppendTag(e, clockActor, protowire.BytesType)
		e = protowire.AppendString(e, actor)
		e = protowire.AppendTag(e, clockSeq, protowire.VarintType)
		e = protowire.AppendVarint(e, c[actor])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// ConsumeClockEntry parses one clock entry into c.
func ConsumeClockEntry(b []byte, c Clock) error {
	var actor string
	var seq uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == clockActor && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			actor = s
			return n, nil
		case num == clockSeq && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			seq = x
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return err
	}
	if actor == "" {
		return fmt.Errorf("%w: clock entry without actor", ErrCorrupt)
	}
	if seq > c[actor] {
		c[actor] = seq
	}
	return nil
}

// AppendChange appends the encoding of c as field num.
func AppendChange(b []byte, num protowire.Number, c Change) []byte {
	var e []byte
	e = protowire.AppendTag(e, changeActor, protowire.BytesType)
	e = protowire.AppendString(e, c.Actor)
	e = protowire.AppendTag(e, changeSeq, protowire.VarintType)
	e = protowire.AppendVarint(e, c.Seq)
	e = protowire.AppendTag(e, changeStartOp, protowire.VarintType)
	e = protowire.AppendVarint(e, c.StartOp)
	e = AppendClock(e, changeDeps, c.Deps)
	e = protowire.AppendTag(e, changeTime, protowire.VarintType)
	e = protowire.AppendVarint(e, uint64(c.Time))
	if c.Message != "" {
		e = protowire.AppendTag(e, changeMessage, protowire.BytesType)
		e = protowire.AppendString(e, c.Message)
	}
	for _, op := range c.Ops {
		e = protowire.AppendTag(e, changeOps, protowire.BytesType)
		e = protowire.AppendBytes(e, appendOp(nil, op))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, e)
}

func appendOp(b []byte, op Op) []byte {
	b = protowire.AppendTag(b, opKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	if op.Block != "" {
		b = protowire.AppendTag(b, opBlock, protowire.BytesType)
		b = protowire.AppendString(b, op.Block)
	}
	if op.Field != 0 {
		b = protowire.AppendTag(b, opField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Field))
	}
	if op.Value != "" {
		b = protowire.AppendTag(b, opValue, protowire.BytesType)
		b = protowire.AppendString(b, op.Value)
	}
	for _, p := range op.Pred {
		var e []byte
		e = protowire.AppendTag(e, opIDCounter, protowire.VarintType)
		e = protowire.AppendVarint(e, p.Counter)
		e = protowire.AppendTag(e, opIDActor, protowire.BytesType)
		e = protowire.AppendString(e, p.Actor)
		b = protowire.AppendTag(b, opPred, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// ConsumeChange parses one encoded change.
func ConsumeChange(b []byte) (Change, error) {
	c := Change{Deps: Clock{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == changeActor && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			c.Actor = s
			return n, nil
		case num == changeSeq && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			c.Seq = x
			return n, nil
		case num == changeStartOp && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			c.StartOp = x
			return n, nil
		case num == changeDeps && typ == protowire.BytesType:
			e, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			return n, ConsumeClockEntry(e, c.Deps)
		case num == changeTime && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			c.Time = int64(x)
			return n, nil
		case num == changeMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			c.Message = s
			return n, nil
		case num == changeOps && typ == protowire.BytesType:
			e, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			op, err := consumeOp(e)
			if err != nil {
				return n, err
			}
			c.Ops = append(c.Ops, op)
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return Change{}, err
	}
	if c.Actor == "" || c.Seq == 0 {
		return Change{}, fmt.Errorf("%w: change without actor or sequence", ErrCorrupt)
	}
	return c, nil
}

func consumeOp(b []byte) (Op, error) {
	var op Op
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == opKind && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			op.Kind = OpKind(x)
			return n, nil
		case num == opBlock && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			op.Block = s
			return n, nil
		case num == opField && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			op.Field = Field(x)
			return n, nil
		case num == opValue && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			op.Value = s
			return n, nil
		case num == opPred && typ == protowire.BytesType:
			e, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			var id OpID
			err := walk(e, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				switch {
				case num == opIDCounter && typ == protowire.VarintType:
					x, n := protowire.ConsumeVarint(v)
					id.Counter = x
					return n, nil
				case num == opIDActor && typ == protowire.BytesType:
					s, n := protowire.ConsumeString(v)
					id.Actor = s
					return n, nil
				}
				return skipField, nil
			})
			if err != nil {
				return n, err
			}
			op.Pred = append(op.Pred, id)
			return n, nil
		}
		return skipField, nil
	})
	if err != nil {
		return Op{}, err
	}
	if op.Kind < OpSetTitle || op.Kind > OpDeleteBlock {
		return Op{}, fmt.Errorf("%w: unknown op kind %d", ErrCorrupt, op.Kind)
	}
	return op, nil
}

// skipField is returned by a walk callback for fields it does not know.
// protowire parse errors are small negative numbers, so this cannot collide.
const skipField = -1 << 20

// walk iterates the fields of b. fn consumes a known field's value and returns
// the bytes used, or skipField to have the field skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == skipField {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(used))
		}
		b = b[used:]
	}
	return nil
}

// EncodeChanges encodes a list of changes.
func EncodeChanges(changes []Change) []byte {
	var b []byte
	for _, c := range changes {
		b = AppendChange(b, listChange, c)
	}
	return b
}

// DecodeChanges parses the output of EncodeChanges.
func DecodeChanges(b []byte) ([]Change, error) {
	var out []Change
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != listChange || typ != protowire.BytesType {
			return skipField, nil
		}
		e, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		c, err := ConsumeChange(e)
		if err != nil {
			return n, err
		}
		out = append(out, c)
		return n, nil
	})
	return out, err
}

// Save encodes every applied and pending change of the replica.
func (d *Doc) Save() []byte {
	all := append(d.Changes(), d.pending...)
	return append([]byte{snapshotVersion}, EncodeChanges(all)...)
}

// Load rebuilds a replica from Save output. Empty data yields an empty replica.
func Load(id string, data []byte) (*Doc, error) {
	doc := New(id)
	if len(data) == 0 {
		return doc, nil
	}
	if data[0] != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d", ErrCorrupt, data[0])
	}
	changes, err := DecodeChanges(data[1:])
	if err != nil {
		return nil, err
	}
	return doc.Apply(changes...), nil
}
