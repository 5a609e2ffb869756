package props

import (
	"iter"
	"strings"
)

type entry struct {
	key Key
	val Value
}

// Bag is an ordered property map. A Bag is not safe for concurrent use;
// pids hand consumers immutable snapshots instead of sharing one.
type Bag struct {
	entries []entry
	index   map[Key]int
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{index: make(map[Key]int)}
}

// Set stores v under k, replacing any previous value. Setting a none value
// removes the key.
func (b *Bag) Set(k Key, v Value) {
	if v.IsNone() {
		b.Delete(k)
		return
	}
	if b.index == nil {
		b.index = make(map[Key]int)
	}
	if i, ok := b.index[k]; ok {
		b.entries[i].val = v
		return
	}
	b.index[k] = len(b.entries)
	b.entries = append(b.entries, entry{key: k, val: v})
}

// SetCode stores v under a built-in code.
func (b *Bag) SetCode(c Code, v Value) { b.Set(K(c), v) }

// SetName stores v under a free-form name.
func (b *Bag) SetName(name string, v Value) { b.Set(N(name), v) }

// Get returns the value stored under k.
func (b *Bag) Get(k Key) (Value, bool) {
	if b == nil {
		return Value{}, false
	}
	i, ok := b.index[k]
	if !ok {
		return Value{}, false
	}
	return b.entries[i].val, true
}

// GetCode returns the value stored under a built-in code.
func (b *Bag) GetCode(c Code) (Value, bool) { return b.Get(K(c)) }

// GetName returns the value stored under a free-form name.
func (b *Bag) GetName(name string) (Value, bool) { return b.Get(N(name)) }

// Uint returns the value under c as uint64, or def when absent.
func (b *Bag) Uint(c Code, def uint64) uint64 {
	if v, ok := b.GetCode(c); ok {
		return v.Uint()
	}
	return def
}

// Delete removes k.
func (b *Bag) Delete(k Key) {
	i, ok := b.index[k]
	if !ok {
		return
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	delete(b.index, k)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].key] = j
	}
}

// Reset removes every entry.
func (b *Bag) Reset() {
	b.entries = b.entries[:0]
	clear(b.index)
}

// Len returns the number of entries.
func (b *Bag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// All yields entries in insertion order.
func (b *Bag) All() iter.Seq2[Key, Value] {
	return func(yield func(Key, Value) bool) {
		if b == nil {
			return
		}
		for _, e := range b.entries {
			if !yield(e.key, e.val) {
				return
			}
		}
	}
}

// MergeInto copies every entry of b into dst, replacing existing keys.
func (b *Bag) MergeInto(dst *Bag) {
	for k, v := range b.All() {
		dst.Set(k, v)
	}
}

// Clone returns an independent copy of b.
func (b *Bag) Clone() *Bag {
	out := &Bag{
		entries: make([]entry, 0, b.Len()),
		index:   make(map[Key]int, b.Len()),
	}
	if b != nil {
		b.MergeInto(out)
	}
	return out
}

// Equal reports whether both bags hold the same keys and values.
func (b *Bag) Equal(o *Bag) bool {
	if b.Len() != o.Len() {
		return false
	}
	for k, v := range b.All() {
		ov, ok := o.Get(k)
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Map renders the bag as key names to textual values.
func (b *Bag) Map() map[string]string {
	out := make(map[string]string, b.Len())
	for k, v := range b.All() {
		out[k.String()] = Format(k, v)
	}
	return out
}

func (b *Bag) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for k, v := range b.All() {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(k.String())
		sb.WriteByte('=')
		sb.WriteString(Format(k, v))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Format renders v for display, naming stream types and codecs.
func Format(k Key, v Value) string {
	if k.Name == "" {
		switch k.Code {
		case StreamType:
			return StreamTypeName(uint32(v.Uint()))
		case CodecID:
			return CodecName(uint32(v.Uint()))
		}
	}
	return v.String()
}
