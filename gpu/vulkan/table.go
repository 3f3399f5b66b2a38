package vulkan

import (
	"github.com/cockroachdb/errors"
)

// counter hands out handles shared by every table of one device, so a
// handle never names two objects of different kinds.
type counter struct {
	last uint64
}

func (c *counter) next() uint64 {
	c.last++
	return c.last
}

// table maps the renderer's typed handles to native objects.
type table[H ~uint64, T any] struct {
	kind  string
	ids   *counter
	items map[H]T
}

func newTable[H ~uint64, T any](kind string, ids *counter) *table[H, T] {
	return &table[H, T]{kind: kind, ids: ids, items: make(map[H]T)}
}

func (t *table[H, T]) add(v T) H {
	h := H(t.ids.next())
	t.items[h] = v
	return h
}

// get panics on an unknown handle: it is always a caller bug.
func (t *table[H, T]) get(h H) T {
	v, ok := t.items[h]
	if !ok {
		panic(errors.AssertionFailedf("unknown %s handle %d", t.kind, uint64(h)))
	}
	return v
}

func (t *table[H, T]) take(h H) T {
	v := t.get(h)
	delete(t.items, h)
	return v
}

func (t *table[H, T]) len() int {
	return len(t.items)
}
