package perfsession

import (
	"runtime"
	"sync"
	"time"

	"github.com/kernelevent/tracehdr/internal/tracefmt"
	"github.com/kernelevent/tracehdr/internal/tracefs"
	"github.com/kernelevent/tracehdr/internal/userevents"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// TracepointState is the lifecycle state of one enabled-or-was-enabled
// tracepoint within a Session.
type TracepointState int

const (
	StateDisabled TracepointState = iota
	StateEnabled
	StateUnknown
)

func (s TracepointState) String() string {
	switch s {
	case StateEnabled:
		return "Enabled"
	case StateUnknown:
		return "Unknown"
	default:
		return "Disabled"
	}
}

// Counters are the session's monotonic observability counters (spec
// §4.E "Observability").
type Counters struct {
	Sample        uint64
	Lost          uint64
	CorruptEvent  uint64
	CorruptBuffer uint64
}

type tracepointEntry struct {
	descriptor *tracefmt.Descriptor
	state      TracepointState
	perCPUFDs  []int
	sampleIDs  []uint64
	reg        *userevents.Registration
}

// Session manages one collection session's kernel resources and
// tracepoint set. Not safe for concurrent use by multiple goroutines
// (spec §5 "single-threaded cooperative per session instance");
// distinct sessions may be used concurrently.
type Session struct {
	cfg Config
	log logrus.FieldLogger

	nCPU int

	mu      sync.Mutex
	buffers []*perfCPUBuffer // leader buffer per CPU; empty until first Enable
	byName  map[tracefmt.Name]*tracepointEntry
	bySampleID map[uint64]*tracepointEntry

	counters Counters

	closeOnce sync.Once
}

// NewSession constructs a Session. No kernel resources are acquired
// until the first Enable call (spec §4.E "Construction").
func NewSession(cfg Config) (*Session, error) {
	if cfg.Cache == nil {
		return nil, errors.New("perfsession: Config.Cache is required")
	}
	if cfg.BufferSizeHint <= 0 {
		return nil, errors.New("perfsession: Config.BufferSizeHint must be positive")
	}
	if cfg.SampleTypeMask == 0 {
		cfg.SampleTypeMask = DefaultSampleTypeMask
	}

	nCPU, err := onlineCPUCount()
	if err != nil {
		return nil, errors.Wrap(err, "perfsession: determining online CPUs")
	}

	s := &Session{
		cfg:        cfg,
		log:        cfg.logger(),
		nCPU:       nCPU,
		byName:     make(map[tracefmt.Name]*tracepointEntry),
		bySampleID: make(map[uint64]*tracepointEntry),
	}
	runtime.SetFinalizer(s, (*Session).Close)
	return s, nil
}

func (s *Session) bufferSize() int {
	return roundUpToPowerOfTwo(s.cfg.BufferSizeHint, pageSize)
}

// Enable resolves name's format descriptor (adding it from the kernel
// if the cache doesn't have it yet) and brings the tracepoint into
// the collecting state, per spec §4.E "Enable/disable".
func (s *Session) Enable(name tracefmt.Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byName[name]
	if ok && entry.state == StateEnabled {
		return nil
	}
	if ok && entry.state == StateDisabled {
		for cpu, fd := range entry.perCPUFDs {
			if err := enableFd(fd); err != nil {
				entry.state = StateUnknown
				return errors.Wrapf(err, "re-enable %s on CPU %d", name.Event, cpu)
			}
		}
		entry.state = StateEnabled
		return nil
	}

	var reg *userevents.Registration
	if name.System == "user_events" && s.cfg.Registrar != nil {
		r, err := s.cfg.Registrar.Register(name.Event, nil)
		if err != nil {
			return errors.Wrapf(err, "enable %s: register user_events provider", name.Event)
		}
		reg = r
	}

	descriptor, err := s.resolveDescriptor(name)
	if err != nil {
		if reg != nil {
			s.cfg.Registrar.Unregister(reg)
		}
		return err
	}

	firstLeader := len(s.buffers) == 0
	fds := make([]int, s.nCPU)
	sampleIDs := make([]uint64, s.nCPU)
	newBuffers := make([]*perfCPUBuffer, 0, s.nCPU)

	rollback := func() {
		for _, fd := range fds {
			if fd > 0 {
				unix.Close(fd)
			}
		}
		for _, b := range newBuffers {
			b.Close()
		}
		if reg != nil {
			s.cfg.Registrar.Unregister(reg)
		}
	}

	for cpu := 0; cpu < s.nCPU; cpu++ {
		attr := buildAttr(&s.cfg, descriptor.ID)
		fd, err := perfEventOpen(&attr, cpu)
		if err != nil {
			rollback()
			s.log.WithError(err).Errorf("enable %s: perf_event_open failed on CPU %d, rolling back", name.Event, cpu)
			return errors.Wrapf(err, "enable %s on CPU %d", name.Event, cpu)
		}
		fds[cpu] = fd

		if firstLeader {
			buf, err := newPerfCPUBuffer(cpu, s.cfg.Mode, fd, s.bufferSize())
			if err != nil {
				rollback()
				s.log.WithError(err).Errorf("enable %s: mmap failed on CPU %d, rolling back", name.Event, cpu)
				return errors.Wrapf(err, "enable %s: mmap CPU %d", name.Event, cpu)
			}
			newBuffers = append(newBuffers, buf)
		} else {
			if err := ioctlSetOutput(fd, s.buffers[cpu].leaderFD); err != nil {
				rollback()
				s.log.WithError(err).Errorf("enable %s: redirect output failed on CPU %d, rolling back", name.Event, cpu)
				return errors.Wrapf(err, "enable %s: redirect CPU %d", name.Event, cpu)
			}
		}

		id, err := ioctlReadID(fd)
		if err != nil {
			rollback()
			return errors.Wrapf(err, "enable %s: read sample id on CPU %d", name.Event, cpu)
		}
		sampleIDs[cpu] = id

		if err := enableFd(fd); err != nil {
			rollback()
			return errors.Wrapf(err, "enable %s: PERF_EVENT_IOC_ENABLE on CPU %d", name.Event, cpu)
		}
	}

	if firstLeader {
		s.buffers = newBuffers
	}

	entry = &tracepointEntry{
		descriptor: descriptor,
		state:      StateEnabled,
		perCPUFDs:  fds,
		sampleIDs:  sampleIDs,
		reg:        reg,
	}
	s.byName[name] = entry
	for _, id := range sampleIDs {
		s.bySampleID[id] = entry
	}

	s.log.WithField("event", name.Event).WithField("cpus", s.nCPU).Debug("tracepoint enabled")
	return nil
}

// Disable issues the disable control operation per CPU (spec §4.E
// "disable(name)").
func (s *Session) Disable(name tracefmt.Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byName[name]
	if !ok {
		return errors.Errorf("perfsession: %s is not registered", name.Event)
	}
	if entry.state == StateDisabled {
		return nil
	}

	var firstErr error
	for cpu, fd := range entry.perCPUFDs {
		if err := disableFd(fd); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "disable %s on CPU %d", name.Event, cpu)
		}
	}
	if firstErr != nil {
		entry.state = StateUnknown
		s.log.WithError(firstErr).Error("disable left tracepoint in unknown state")
		return firstErr
	}
	entry.state = StateDisabled
	return nil
}

// ErrWaitNotSupported is returned by WaitForWakeup on a Circular-mode
// session (spec §4.E "Wait": "Circular mode sessions always fail with
// PermissionDenied").
var ErrWaitNotSupported = errors.New("perfsession: wait_for_wakeup is not supported in Circular mode")

// WaitForWakeup blocks until the wakeup watermark is met across the
// leader buffers or timeout elapses, returning the number of buffers
// with data ready. Circular-mode sessions always fail with
// PermissionDenied (spec §4.E "Wait").
func (s *Session) WaitForWakeup(timeout time.Duration) (int, error) {
	if s.cfg.Mode == Circular {
		return 0, ErrWaitNotSupported
	}

	s.mu.Lock()
	buffers := append([]*perfCPUBuffer(nil), s.buffers...)
	s.mu.Unlock()

	if len(buffers) == 0 {
		return 0, nil
	}

	pfds := make([]unix.PollFd, len(buffers))
	for i, b := range buffers {
		pfds[i] = unix.PollFd{Fd: int32(b.leaderFD), Events: unix.POLLIN}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		return 0, errors.Wrap(err, "perfsession: poll")
	}
	return n, nil
}

// Counters returns a snapshot of the session's observability counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Close releases every per-CPU handle, unmaps every buffer, and
// unregisters any tracepoint this session itself registered. Safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		runtime.SetFinalizer(s, nil)
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, entry := range s.byName {
			for _, fd := range entry.perCPUFDs {
				unix.Close(fd)
			}
			if entry.reg != nil && s.cfg.Registrar != nil {
				if uerr := s.cfg.Registrar.Unregister(entry.reg); uerr != nil && err == nil {
					err = uerr
				}
			}
		}
		for _, b := range s.buffers {
			b.Close()
		}
		s.buffers = nil
		s.byName = nil
		s.bySampleID = nil
	})
	return err
}

func (s *Session) resolveDescriptor(name tracefmt.Name) (*tracefmt.Descriptor, error) {
	if d, ok := s.cfg.Cache.FindByName(name.System, name.Event); ok {
		return d, nil
	}
	root, err := tracefs.Root()
	if err != nil {
		return nil, errors.Wrap(err, "perfsession: locating tracefs")
	}
	return s.cfg.Cache.AddFromSystem(root, name.System, name.Event, tracefs.EventFormatPath)
}
