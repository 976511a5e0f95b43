package perfsession

import (
	"github.com/kernelevent/tracehdr/internal/byteorder"
	"github.com/kernelevent/tracehdr/internal/tracefmt"
)

// perf_event_header.type values this package understands; all others
// are skipped silently (spec §4.E "Unordered enumeration").
const (
	recordLost   = 2
	recordSample = 9
)

// recordHeader is the 8-byte {type, misc, size} prefix of every ring
// record (spec §6 "Record header").
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

func parseRecordHeader(b []byte) recordHeader {
	return recordHeader{
		Type: byteorder.LittleEndian.Uint32(b),
		Misc: byteorder.LittleEndian.Uint16(b[4:]),
		Size: byteorder.LittleEndian.Uint16(b[6:]),
	}
}

const recordHeaderSize = 8

// SampleEventInfo is one decoded PERF_RECORD_SAMPLE, with fields
// present according to the session's sample_type_mask (spec §4.E
// "Sample parsing" step 3). Raw borrows the buffer it was parsed from
// and is only valid until the enclosing enumeration scope advances.
type SampleEventInfo struct {
	Identifier uint64
	IP         uint64
	Pid, Tid   uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	Cpu, Res   uint32
	Period     uint64
	Callchain  []uint64
	Raw        []byte

	Descriptor *tracefmt.Descriptor
}

// parseSample decodes the optional fields of a PERF_RECORD_SAMPLE
// payload (the bytes after the 8-byte record header) in the fixed ABI
// order the kernel writes them, bounds-checking each step (spec §4.E
// step 3).
func parseSample(mask SampleType, payload []byte) (*SampleEventInfo, error) {
	var s SampleEventInfo
	pos := 0

	need := func(n int) bool { return len(payload)-pos >= n }

	if mask&SampleIdentifier != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Identifier = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleIP != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.IP = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleTid != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Pid = byteorder.LittleEndian.Uint32(payload[pos:])
		s.Tid = byteorder.LittleEndian.Uint32(payload[pos+4:])
		pos += 8
	}
	if mask&SampleTime != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Time = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleAddr != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Addr = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleID != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.ID = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleStreamID != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.StreamID = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleCpu != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Cpu = byteorder.LittleEndian.Uint32(payload[pos:])
		s.Res = byteorder.LittleEndian.Uint32(payload[pos+4:])
		pos += 8
	}
	if mask&SamplePeriod != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		s.Period = byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	if mask&SampleCallchain != 0 {
		if !need(8) {
			return nil, errTruncated
		}
		nr := byteorder.LittleEndian.Uint64(payload[pos:])
		pos += 8
		maxEntries := uint64(len(payload)-pos) / 8
		if nr > maxEntries {
			return nil, errTruncated
		}
		chain := make([]uint64, nr)
		for i := range chain {
			chain[i] = byteorder.LittleEndian.Uint64(payload[pos:])
			pos += 8
		}
		s.Callchain = chain
	}
	if mask&SampleRaw != 0 {
		if !need(4) {
			return nil, errTruncated
		}
		size := byteorder.LittleEndian.Uint32(payload[pos:])
		pos += 4
		if !need(int(size)) {
			return nil, errTruncated
		}
		s.Raw = payload[pos : pos+int(size)]
		pos += int(size)
	}

	return &s, nil
}

func parseLostCount(payload []byte) (uint64, error) {
	if len(payload) < 16 {
		return 0, errTruncated
	}
	return byteorder.LittleEndian.Uint64(payload[8:]), nil
}

var errTruncated = recordError("truncated record")

type recordError string

func (e recordError) Error() string { return string(e) }
