package perfsession

import (
	"github.com/kernelevent/tracehdr/internal/byteorder"
	"github.com/pkg/errors"
)

// SampleCallback is invoked once per decoded sample. Returning a
// non-zero result aborts the enumeration early but still performs the
// buffer's tail-advance/resume teardown (spec §5 "Cancellation").
type SampleCallback func(*SampleEventInfo) int

// EnumerateUnordered walks each CPU's buffer independently: pause
// (Circular) or snapshot head (RealTime), deliver records tail-to-head
// in that CPU's own order, then advance tail / resume writes. Across
// CPUs, delivery order is unspecified (spec §4.E "Unordered").
func (s *Session) EnumerateUnordered(cb SampleCallback) error {
	s.mu.Lock()
	buffers := append([]*perfCPUBuffer(nil), s.buffers...)
	s.mu.Unlock()

	stopped := false
	stopAware := func(info *SampleEventInfo) int {
		r := cb(info)
		if r != 0 {
			stopped = true
		}
		return r
	}
	for _, buf := range buffers {
		if err := s.enumerateOneBuffer(buf, stopAware); err != nil {
			return err
		}
		if stopped {
			break
		}
	}
	return nil
}

func (s *Session) enumerateOneBuffer(buf *perfCPUBuffer, cb SampleCallback) error {
	if buf.mode == Circular {
		if err := buf.pause(); err != nil {
			return err
		}
		defer buf.resume()
	}

	head := buf.acquireHead()
	var tail uint64
	if buf.mode == Circular {
		// Circular buffers have no persistent tail; synthesize one
		// spanning exactly the live region (spec §4.E "Unordered":
		// "from synthetic tail=head-size to head").
		tail = head - uint64(len(buf.ring))
	} else {
		tail = buf.loadTail()
	}

	scratch := make([]byte, 0, 256)
	cur := tail
	for cur != head {
		hdr, raw, next, ok := s.readOneRecord(buf, cur, head, &scratch)
		if !ok {
			// Corrupt buffer: the read cursor jumps to head (spec §4.E
			// step 2).
			s.mu.Lock()
			s.counters.CorruptBuffer++
			s.mu.Unlock()
			cur = head
			break
		}
		cur = next

		switch hdr.Type {
		case recordSample:
			info, err := parseSample(s.cfg.SampleTypeMask, raw)
			if err != nil {
				s.mu.Lock()
				s.counters.CorruptEvent++
				s.mu.Unlock()
				continue
			}
			s.resolveSampleDescriptor(buf, info)
			s.mu.Lock()
			s.counters.Sample++
			s.mu.Unlock()
			if cb(info) != 0 {
				cur = head // still tear down normally below
				goto teardown
			}
		case recordLost:
			lost, err := parseLostCount(raw)
			if err != nil {
				s.mu.Lock()
				s.counters.CorruptEvent++
				s.mu.Unlock()
				continue
			}
			s.mu.Lock()
			s.counters.Lost += lost
			s.mu.Unlock()
		default:
			// Non-sample, non-lost records (mmap/comm/fork/exit/...)
			// are skipped silently.
		}
	}

teardown:
	if buf.mode == RealTime {
		buf.releaseTail(cur)
	}
	return nil
}

// readOneRecord reads the header+payload at ring-relative offset off,
// reassembling across the wrap point into scratch if needed, and
// validates the header per spec §4.E step 2.
func (s *Session) readOneRecord(buf *perfCPUBuffer, off, head uint64, scratch *[]byte) (recordHeader, []byte, uint64, bool) {
	avail := head - off
	if avail < recordHeaderSize {
		return recordHeader{}, nil, 0, false
	}
	hdrBytes := buf.readAt(off, recordHeaderSize, (*scratch)[:0])
	hdr := parseRecordHeader(hdrBytes)

	if hdr.Size == 0 || hdr.Size%8 != 0 || uint64(hdr.Size) > avail {
		return recordHeader{}, nil, 0, false
	}

	full := buf.readAt(off, uint64(hdr.Size), (*scratch)[:0])
	if int(off&buf.mask())+int(hdr.Size) > len(buf.ring) {
		// full was reassembled into scratch; keep any growth for reuse.
		*scratch = full[:0]
	}
	return hdr, full[recordHeaderSize:], off + uint64(hdr.Size), true
}

// resolveSampleDescriptor fills in info.Descriptor, preferring the
// raw payload's common_type prefix over the per-CPU sample id map
// (spec §4.E step 4).
func (s *Session) resolveSampleDescriptor(buf *perfCPUBuffer, info *SampleEventInfo) {
	if len(info.Raw) > 0 {
		if d, ok := s.cfg.Cache.FindByRawPrefix(info.Raw); ok {
			info.Descriptor = d
			return
		}
	}
	id := info.ID
	if id == 0 {
		id = info.Identifier
	}
	s.mu.Lock()
	entry, ok := s.bySampleID[id]
	s.mu.Unlock()
	if ok {
		info.Descriptor = entry.descriptor
	}
}

// EnumerateOrdered requires Time in the sample type mask. It collects
// (timestamp, buffer, size, offset) bookmarks from every CPU, reverses
// Circular-mode bookmarks per buffer so each CPU's view is
// oldest-to-newest, stably sorts the combined set by timestamp, then
// redelivers records in that order (spec §4.E "Ordered", §4.F).
func (s *Session) EnumerateOrdered(cb SampleCallback) error {
	if s.cfg.SampleTypeMask&SampleTime == 0 {
		return errors.New("perfsession: ordered enumeration requires SampleTime in the mask")
	}

	s.mu.Lock()
	buffers := append([]*perfCPUBuffer(nil), s.buffers...)
	s.mu.Unlock()

	type bufScope struct {
		buf  *perfCPUBuffer
		head uint64
		tail uint64
	}
	scopes := make([]bufScope, len(buffers))

	var marks []bookmark
	scratch := make([]byte, 0, 256)

	for bi, buf := range buffers {
		if buf.mode == Circular {
			if err := buf.pause(); err != nil {
				return err
			}
		}
		head := buf.acquireHead()
		var tail uint64
		if buf.mode == Circular {
			tail = head - uint64(len(buf.ring))
		} else {
			tail = buf.loadTail()
		}
		scopes[bi] = bufScope{buf: buf, head: head, tail: tail}

		start := len(marks)
		cur := tail
		for cur != head {
			hdrBytes := buf.readAt(cur, recordHeaderSize, scratch[:0])
			hdr := parseRecordHeader(hdrBytes)
			if hdr.Size == 0 || hdr.Size%8 != 0 || uint64(hdr.Size) > head-cur {
				s.mu.Lock()
				s.counters.CorruptBuffer++
				s.mu.Unlock()
				break
			}
			if hdr.Type == recordSample {
				payload := buf.readAt(cur+recordHeaderSize, uint64(hdr.Size)-recordHeaderSize, scratch[:0])
				ts, ok := sampleTimestamp(s.cfg.SampleTypeMask, payload)
				if ok {
					marks = append(marks, bookmark{
						timestamp: ts,
						offset:    uint32(cur),
						size:      hdr.Size,
						bufferIdx: uint16(bi),
					})
				}
			}
			cur += uint64(hdr.Size)
		}
		if buf.mode == Circular {
			// Reverse this CPU's newly appended bookmarks in place so
			// they read oldest-to-newest (spec §4.E "Ordered").
			reverse(marks[start:])
		}
	}

	sortBookmarks(marks)

	defer func() {
		for _, sc := range scopes {
			if sc.buf.mode == RealTime {
				sc.buf.releaseTail(sc.head)
			} else {
				sc.buf.resume()
			}
		}
	}()

	for _, mk := range marks {
		buf := scopes[mk.bufferIdx].buf
		full := buf.readAt(uint64(mk.offset), uint64(mk.size), scratch[:0])
		info, err := parseSample(s.cfg.SampleTypeMask, full[recordHeaderSize:])
		if err != nil {
			s.mu.Lock()
			s.counters.CorruptEvent++
			s.mu.Unlock()
			continue
		}
		s.resolveSampleDescriptor(buf, info)
		s.mu.Lock()
		s.counters.Sample++
		s.mu.Unlock()
		if cb(info) != 0 {
			break
		}
	}
	return nil
}

// sampleTimestamp extracts just the Time field from a sample payload
// without allocating a full SampleEventInfo, for the ordered
// enumerator's bookmark-collection pass.
func sampleTimestamp(mask SampleType, payload []byte) (uint64, bool) {
	pos := 0
	adv := func(n int) bool {
		if len(payload)-pos < n {
			return false
		}
		pos += n
		return true
	}
	if mask&SampleIdentifier != 0 && !adv(8) {
		return 0, false
	}
	if mask&SampleIP != 0 && !adv(8) {
		return 0, false
	}
	if mask&SampleTid != 0 && !adv(8) {
		return 0, false
	}
	if mask&SampleTime == 0 {
		return 0, false
	}
	if len(payload)-pos < 8 {
		return 0, false
	}
	return byteorder.LittleEndian.Uint64(payload[pos:]), true
}

func reverse(marks []bookmark) {
	for i, j := 0, len(marks)-1; i < j; i, j = i+1, j-1 {
		marks[i], marks[j] = marks[j], marks[i]
	}
}
