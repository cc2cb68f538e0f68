package notebook

import "sort"

// Clock is a vector clock: the highest contiguous change sequence applied per actor.
type Clock map[string]uint64

func (c Clock) Get(actor string) uint64 {
	return c[actor]
}

func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the element-wise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Covers reports whether c has seen everything other has.
func (c Clock) Covers(other Clock) bool {
	for k, v := range other {
		if c[k] < v {
			return false
		}
	}
	return true
}

func (c Clock) Equal(other Clock) bool {
	return c.Covers(other) && other.Covers(c)
}

// Actors returns the actors with a non-zero entry, sorted.
func (c Clock) Actors() []string {
	out := make([]string, 0, len(c))
	for k, v := range c {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
