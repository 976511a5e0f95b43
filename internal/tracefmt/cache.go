package tracefmt

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kernelevent/tracehdr/internal/byteorder"
)

// Name is a tracepoint's (system, event) pair.
type Name struct {
	System string
	Event  string
}

// entry owns a descriptor's backing text buffer alongside the parsed
// descriptor, so field name slices can be substrings of it (spec §4.C).
type entry struct {
	text       string
	descriptor *Descriptor
}

// snapshot is the copy-on-write payload swapped under Cache.active.
// The shape mirrors capsule8's decoderMap/traceEventDecoderMap split:
// readers load one atomic pointer and never lock, writers build a new
// snapshot under a mutex and publish it.
type snapshot struct {
	byID   map[uint32]*entry
	byName map[Name]*entry
}

func newSnapshot() *snapshot {
	return &snapshot{
		byID:   make(map[uint32]*entry),
		byName: make(map[Name]*entry),
	}
}

func (s *snapshot) clone() *snapshot {
	n := newSnapshot()
	for k, v := range s.byID {
		n.byID[k] = v
	}
	for k, v := range s.byName {
		n.byName[k] = v
	}
	return n
}

// Cache is a keyed store of parsed format descriptors, safe to share
// read-only across sessions (spec §5).
type Cache struct {
	mu     sync.Mutex // serializes writers only
	active atomic.Value

	// commonTypeOffset/Size are published by the first descriptor
	// added and enforced on every later insert (spec §3 invariant b).
	haveCommonType   atomic.Bool
	commonTypeOffset int32
	commonTypeSize   int32

	opts ParseOptions
}

// NewCache constructs an empty cache.
func NewCache(opts ParseOptions) *Cache {
	c := &Cache{opts: opts}
	c.active.Store(newSnapshot())
	return c
}

func (c *Cache) snap() *snapshot {
	return c.active.Load().(*snapshot)
}

// AddFromFormat parses text as a format descriptor owned by system
// and inserts it. It fails with AlreadyExists if either key (id or
// name) already exists, and with InvalidFormat if this descriptor's
// common_type location disagrees with one already published by an
// earlier insert.
func (c *Cache) AddFromFormat(system, text string) (*Descriptor, error) {
	d, err := ParseWithOptions(system, text, c.opts)
	if err != nil {
		return nil, err
	}

	if d.CommonTypeOffset >= 0 {
		if c.haveCommonType.CompareAndSwap(false, true) {
			atomic.StoreInt32(&c.commonTypeOffset, int32(d.CommonTypeOffset))
			atomic.StoreInt32(&c.commonTypeSize, int32(d.CommonTypeSize))
		} else {
			wantOffset := int(atomic.LoadInt32(&c.commonTypeOffset))
			wantSize := int(atomic.LoadInt32(&c.commonTypeSize))
			if d.CommonTypeOffset != wantOffset || d.CommonTypeSize != wantSize {
				return nil, errors.Errorf(
					"invalid format: common_type at offset %d size %d disagrees with cache-wide offset %d size %d",
					d.CommonTypeOffset, d.CommonTypeSize, wantOffset, wantSize)
			}
		}
	}

	name := Name{System: system, Event: d.Event}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap()
	if _, exists := old.byID[d.ID]; exists {
		return nil, errors.Errorf("already exists: descriptor id %d", d.ID)
	}
	if _, exists := old.byName[name]; exists {
		return nil, errors.Errorf("already exists: tracepoint %s:%s", system, d.Event)
	}

	e := &entry{text: text, descriptor: d}
	next := old.clone()
	next.byID[d.ID] = e
	next.byName[name] = e
	c.active.Store(next)

	return d, nil
}

// AddFromSystem reads the kernel-supplied format file for (system,
// event) at the conventional tracefs path and delegates to
// AddFromFormat.
func (c *Cache) AddFromSystem(root, system, event string, formatPath func(root, system, event string) string) (*Descriptor, error) {
	path := formatPath(root, system, event)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "not found: tracepoint %s:%s", system, event)
		}
		return nil, errors.Wrapf(err, "can't open format file for %s:%s", system, event)
	}
	defer f.Close()

	text, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read format file for %s:%s", system, event)
	}

	return c.AddFromFormat(system, string(text))
}

// FindByID resolves a descriptor by its numeric id.
func (c *Cache) FindByID(id uint32) (*Descriptor, bool) {
	e, ok := c.snap().byID[id]
	if !ok {
		return nil, false
	}
	return e.descriptor, true
}

// FindByName resolves a descriptor by (system, event).
func (c *Cache) FindByName(system, event string) (*Descriptor, bool) {
	e, ok := c.snap().byName[Name{System: system, Event: event}]
	if !ok {
		return nil, false
	}
	return e.descriptor, true
}

// FindByRawPrefix reads the common_type field out of raw at the
// cache's advertised offset/size and looks it up by id. It returns
// false if the cache has no common_type location yet, or raw is too
// short to hold it.
func (c *Cache) FindByRawPrefix(raw []byte) (*Descriptor, bool) {
	if !c.haveCommonType.Load() {
		return nil, false
	}
	offset := int(atomic.LoadInt32(&c.commonTypeOffset))
	size := int(atomic.LoadInt32(&c.commonTypeSize))
	if offset < 0 || len(raw) < offset+size {
		return nil, false
	}

	var id uint32
	switch size {
	case 1:
		id = uint32(byteorder.LittleEndian.Uint8(raw[offset:]))
	case 2:
		id = uint32(byteorder.LittleEndian.Uint16(raw[offset:]))
	case 4:
		id = byteorder.LittleEndian.Uint32(raw[offset:])
	default:
		return nil, false
	}

	return c.FindByID(id)
}

// CommonTypeLocation returns the cache-wide common_type offset and
// size, and whether one has been published yet.
func (c *Cache) CommonTypeLocation() (offset, size int, ok bool) {
	if !c.haveCommonType.Load() {
		return 0, 0, false
	}
	return int(atomic.LoadInt32(&c.commonTypeOffset)), int(atomic.LoadInt32(&c.commonTypeSize)), true
}
