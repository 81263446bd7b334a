package coordinator

import "sync"

// table maps a locked key to its in-flight calls, oldest first.
// Entries are removed as calls settle and the key disappears once its
// list is empty.
type table struct {
	mu      sync.Mutex
	entries map[Key][]*Call
}

func newTable() *table {
	return &table{entries: make(map[Key][]*Call)}
}

// first returns the oldest live call under key, or nil.
func (t *table) first(key Key) *Call {
	if list := t.entries[key]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// replace swaps the list for key with just c and returns the calls it
// displaced.
func (t *table) replace(key Key, c *Call) []*Call {
	prev := t.entries[key]
	t.entries[key] = []*Call{c}
	return prev
}

func (t *table) add(key Key, c *Call) {
	t.entries[key] = append(t.entries[key], c)
}

// take removes and returns every call under key.
func (t *table) take(key Key) []*Call {
	prev := t.entries[key]
	delete(t.entries, key)
	return prev
}

// remove drops c from its key's list. It is a no-op when c was already
// displaced.
func (t *table) remove(key Key, c *Call) {
	list := t.entries[key]
	for i, e := range list {
		if e != c {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(t.entries, key)
		} else {
			t.entries[key] = list
		}
		return
	}
}

func (t *table) count(key Key) int {
	return len(t.entries[key])
}

func (t *table) keys() int {
	return len(t.entries)
}
