package perfsession

import (
	"sort"
	"unsafe"
)

// bookmark locates one sample record without holding its bytes,
// letting the ordered enumerator collect every CPU's records up
// front and sort them before touching sample payloads (spec §4.F).
// 16 bytes, matching the contract in spec.md §4.F.
type bookmark struct {
	timestamp uint64
	offset    uint32
	size      uint16
	bufferIdx uint16
}

// sortBookmarks stably sorts by timestamp so ties preserve the order
// bookmarks were appended in (per-CPU insertion order), matching
// spec's "ties preserve per-CPU order" contract. sort.SliceStable is
// the one-line stdlib call the corpus has no third-party replacement
// for; see DESIGN.md.
func sortBookmarks(marks []bookmark) {
	sort.SliceStable(marks, func(i, j int) bool {
		return marks[i].timestamp < marks[j].timestamp
	})
}

func sizeofBookmark() uintptr {
	return unsafe.Sizeof(bookmark{})
}
