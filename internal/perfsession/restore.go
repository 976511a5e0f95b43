package perfsession

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kernelevent/tracehdr/internal/tracefmt"
	"github.com/pkg/errors"
)

// handoffHeader is the restore compatibility record (spec §4.G).
// Restore refuses the set if any field differs from the live Config's
// equivalent (spec.md §9 open question 3: exact byte-equality, no
// forward/backward compatibility shims).
type handoffHeader struct {
	mode           uint32
	sampleTypeMask uint64
	wakeupWatermark uint32
	wakeupBytes    uint32
	bufferCount    uint32
	pageSize       uint32
	bufferSize     uint32
}

func (h handoffHeader) marshal() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0:], h.mode)
	binary.LittleEndian.PutUint64(b[4:], h.sampleTypeMask)
	binary.LittleEndian.PutUint32(b[12:], h.wakeupWatermark)
	binary.LittleEndian.PutUint32(b[16:], h.wakeupBytes)
	binary.LittleEndian.PutUint32(b[20:], h.bufferCount)
	binary.LittleEndian.PutUint32(b[24:], h.pageSize)
	binary.LittleEndian.PutUint32(b[28:], h.bufferSize)
	return b
}

func unmarshalHandoffHeader(b []byte) (handoffHeader, error) {
	if len(b) < 32 {
		return handoffHeader{}, errors.New("perfsession: truncated handoff header")
	}
	return handoffHeader{
		mode:            binary.LittleEndian.Uint32(b[0:]),
		sampleTypeMask:  binary.LittleEndian.Uint64(b[4:]),
		wakeupWatermark: binary.LittleEndian.Uint32(b[12:]),
		wakeupBytes:     binary.LittleEndian.Uint32(b[16:]),
		bufferCount:     binary.LittleEndian.Uint32(b[20:]),
		pageSize:        binary.LittleEndian.Uint32(b[24:]),
		bufferSize:      binary.LittleEndian.Uint32(b[28:]),
	}, nil
}

func (s *Session) handoffHeader() handoffHeader {
	mode := uint32(0)
	if s.cfg.Mode == Circular {
		mode = 1
	}
	wakeupBytes := uint32(0)
	if s.cfg.Wakeup.Bytes {
		wakeupBytes = 1
	}
	return handoffHeader{
		mode:            mode,
		sampleTypeMask:  uint64(s.cfg.SampleTypeMask),
		wakeupWatermark: s.cfg.Wakeup.Watermark,
		wakeupBytes:     wakeupBytes,
		bufferCount:     uint32(s.nCPU),
		pageSize:        uint32(pageSize),
		bufferSize:      uint32(s.bufferSize()),
	}
}

// tracepointLogEntry is one (enable_state, full_name) record in the
// descriptor log (spec §4.G "holding a header plus, per enabled
// tracepoint, (enable_state, full_name_length, full_name_bytes)").
type tracepointLogEntry struct {
	name  tracefmt.Name
	state TracepointState
}

// HandoffFD is one file handle the session is offering for
// preservation across restart, named per spec §4.G's synthetic scheme
// "<prefix>/<hex_index>".
type HandoffFD struct {
	Name string
	FD   int
}

// SaveHandoffCallback receives the full set of file handles a session
// wants preserved across a restart.
type SaveHandoffCallback func([]HandoffFD) error

// SaveHandoff emits every per-CPU leader fd under prefix and invokes
// cb with the full set (spec §4.G). It does not close or duplicate the
// fds; the caller's supervisor is expected to keep them open across
// exec/restart (e.g. by clearing O_CLOEXEC or using SCM_RIGHTS).
func (s *Session) SaveHandoff(prefix string, cb SaveHandoffCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]HandoffFD, 0, len(s.buffers))
	for i, buf := range s.buffers {
		handles = append(handles, HandoffFD{
			Name: fmt.Sprintf("%s/%x", prefix, i),
			FD:   buf.leaderFD,
		})
	}
	return cb(handles)
}

// descriptorLog renders the stored header plus one entry per enabled
// tracepoint, matching spec §4.G's "descriptor file" contents. Used by
// a supervisor to persist alongside the handed-off fds.
func (s *Session) descriptorLog() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.handoffHeader().marshal()
	for name, entry := range s.byName {
		full := name.System + ":" + name.Event
		var entryBytes [5]byte
		entryBytes[0] = byte(entry.state)
		binary.LittleEndian.PutUint32(entryBytes[1:], uint32(len(full)))
		out = append(out, entryBytes[:]...)
		out = append(out, full...)
	}
	return out
}

// Restore rebuilds a Session from a previously saved descriptor log and
// the (fd, name) pairs a supervisor preserved across restart, without
// reopening perf_event_open (spec §4.G). fds must be keyed by the same
// synthetic "<prefix>/<hex_index>" names SaveHandoff emitted, supplied
// here without the prefix (index only, matching handle order).
func Restore(cfg Config, log []byte, fds []int) (*Session, error) {
	stored, err := unmarshalHandoffHeader(log)
	if err != nil {
		return nil, err
	}

	nCPU, err := onlineCPUCount()
	if err != nil {
		return nil, errors.Wrap(err, "perfsession: restore: determining online CPUs")
	}

	live := Config{
		Cache:          cfg.Cache,
		Mode:           modeFromStored(stored.mode),
		BufferSizeHint: cfg.BufferSizeHint,
		SampleTypeMask: SampleType(stored.sampleTypeMask),
		Wakeup: Wakeup{
			Watermark: stored.wakeupWatermark,
			Bytes:     stored.wakeupBytes != 0,
		},
		Registrar: cfg.Registrar,
		Logger:    cfg.Logger,
	}

	if cfg.SampleTypeMask == 0 {
		cfg.SampleTypeMask = DefaultSampleTypeMask
	}
	want := (&Session{cfg: cfg, nCPU: nCPU}).handoffHeader()
	if !handoffHeadersEqual(stored, want) {
		return nil, errors.New("perfsession: restore: stored handoff header does not match live configuration")
	}
	if int(stored.bufferCount) != len(fds) {
		return nil, errors.Errorf("perfsession: restore: expected %d fds, got %d", stored.bufferCount, len(fds))
	}

	s := &Session{
		cfg:        live,
		log:        live.logger(),
		nCPU:       nCPU,
		byName:     make(map[tracefmt.Name]*tracepointEntry),
		bySampleID: make(map[uint64]*tracepointEntry),
	}

	bufSize := s.bufferSize()
	buffers := make([]*perfCPUBuffer, len(fds))
	for i, fd := range fds {
		buf, err := newPerfCPUBuffer(i, s.cfg.Mode, fd, bufSize)
		if err != nil {
			for _, b := range buffers[:i] {
				if b != nil {
					b.Close()
				}
			}
			return nil, errors.Wrapf(err, "perfsession: restore: re-adopting CPU %d buffer", i)
		}
		buffers[i] = buf
	}
	s.buffers = buffers

	entries, err := parseDescriptorLog(log[32:])
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		descriptor, ok := live.Cache.FindByName(e.name.System, e.name.Event)
		if !ok {
			return nil, errors.Errorf("perfsession: restore: unknown tracepoint %s:%s, cache must be primed before restore", e.name.System, e.name.Event)
		}
		s.byName[e.name] = &tracepointEntry{
			descriptor: descriptor,
			state:      e.state,
		}
	}

	return s, nil
}

func modeFromStored(m uint32) Mode {
	if m == 1 {
		return Circular
	}
	return RealTime
}

func handoffHeadersEqual(a, b handoffHeader) bool {
	return a.mode == b.mode &&
		a.sampleTypeMask == b.sampleTypeMask &&
		a.wakeupWatermark == b.wakeupWatermark &&
		a.wakeupBytes == b.wakeupBytes &&
		a.bufferCount == b.bufferCount &&
		a.pageSize == b.pageSize &&
		a.bufferSize == b.bufferSize
}

func parseDescriptorLog(b []byte) ([]tracepointLogEntry, error) {
	var entries []tracepointLogEntry
	pos := 0
	for pos < len(b) {
		if len(b)-pos < 5 {
			return nil, errors.New("perfsession: restore: truncated descriptor log entry")
		}
		state := TracepointState(b[pos])
		nameLen := int(binary.LittleEndian.Uint32(b[pos+1:]))
		pos += 5
		if len(b)-pos < nameLen {
			return nil, errors.New("perfsession: restore: truncated descriptor log name")
		}
		full := string(b[pos : pos+nameLen])
		pos += nameLen

		colon := strings.IndexByte(full, ':')
		if colon < 0 {
			return nil, errors.Errorf("perfsession: restore: malformed tracepoint name %q", full)
		}
		entries = append(entries, tracepointLogEntry{
			name:  tracefmt.Name{System: full[:colon], Event: full[colon+1:]},
			state: state,
		})
	}
	return entries, nil
}
