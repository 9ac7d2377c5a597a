package relay

import (
	"fmt"
	"sort"
	"sync"
)

// Table indexes live transfers by file name. A transfer stays in the
// table from registration until it settles, so a name can only be
// reused once the previous transfer has been removed.
type Table struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		transfers: make(map[string]*Transfer),
	}
}

// Register adds t under its name.
func (tb *Table) Register(t *Transfer) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, exists := tb.transfers[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrConflict, t.Name)
	}
	tb.transfers[t.Name] = t
	return nil
}

// Claim hands the named transfer to a downloader and moves it to
// Attached. Only one claim per transfer succeeds.
func (tb *Table) Claim(name string) (*Transfer, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	t, ok := tb.transfers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := t.attach(); err != nil {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotFound, name, t.State())
	}
	return t, nil
}

// Lookup returns the transfer registered under name.
func (tb *Table) Lookup(name string) (*Transfer, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	t, ok := tb.transfers[name]
	return t, ok
}

// Remove deletes t if it is still the transfer registered under its name.
func (tb *Table) Remove(t *Transfer) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if current, ok := tb.transfers[t.Name]; ok && current == t {
		delete(tb.transfers, t.Name)
		return true
	}
	return false
}

// Transfers returns the registered transfers ordered by name.
func (tb *Table) Transfers() []*Transfer {
	tb.mu.Lock()
	list := make([]*Transfer, 0, len(tb.transfers))
	for _, t := range tb.transfers {
		list = append(list, t)
	}
	tb.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Len returns the number of registered transfers.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.transfers)
}
