package epoch

import "github.com/joeycumines/go-memento/persist"

// persistEntry is one address/size pair awaiting a flush-and-fence before
// the bag generation it belongs to is allowed to drain (spec.md §4.2's
// defer_persist / §3.2's persist_list).
type persistEntry struct {
	addr uintptr
	size uintptr
}

// persistList is the per-(tid, epoch-slot) durable-address queue. Like bag,
// it is only ever touched by its owning tid.
type persistList struct {
	entries []persistEntry
}

func (l *persistList) push(addr, size uintptr) {
	l.entries = append(l.entries, persistEntry{addr: addr, size: size})
}

// flush issues persist.Obj for every recorded address and clears the list.
// Per spec.md §4.2, this must run before the paired bag's drainAll.
func (l *persistList) flush(f persist.Flusher) error {
	for _, e := range l.entries {
		if err := persist.Obj(f, e.addr, e.size); err != nil {
			return err
		}
	}
	l.entries = l.entries[:0]
	return nil
}
