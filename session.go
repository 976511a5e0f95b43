package tracehdr

import (
	"time"

	"github.com/kernelevent/tracehdr/internal/eventheader"
	"github.com/kernelevent/tracehdr/internal/perfsession"
	"github.com/kernelevent/tracehdr/internal/tracefmt"
	"github.com/kernelevent/tracehdr/internal/userevents"
	"github.com/pkg/errors"
)

// Config is the root-level construction parameters for a Session,
// composed from the subpackages' own Config types (spec §2.3).
type Config struct {
	ParseOptions tracefmt.ParseOptions
	Perf         perfsession.Config
}

// Session ties together a tracepoint format cache and a ring-buffer
// collection session, and decodes EventHeader-convention payloads out
// of the samples it yields.
type Session struct {
	cache *tracefmt.Cache
	perf  *perfsession.Session
	enum  *eventheader.Enumerator
}

// NewSession constructs a Cache and a perfsession.Session together.
func NewSession(cfg Config) (*Session, error) {
	cache := tracefmt.NewCache(cfg.ParseOptions)
	cfg.Perf.Cache = cache

	perf, err := perfsession.NewSession(cfg.Perf)
	if err != nil {
		return nil, newError(KernelError, err)
	}

	return &Session{
		cache: cache,
		perf:  perf,
		enum:  eventheader.NewEnumerator(),
	}, nil
}

// Enable brings a tracepoint into the collecting state.
func (s *Session) Enable(system, event string) error {
	if err := s.perf.Enable(tracefmt.Name{System: system, Event: event}); err != nil {
		return newError(classifyPerfError(err), err)
	}
	return nil
}

// Disable stops collection for a tracepoint.
func (s *Session) Disable(system, event string) error {
	if err := s.perf.Disable(tracefmt.Name{System: system, Event: event}); err != nil {
		return newError(classifyPerfError(err), err)
	}
	return nil
}

// WaitForWakeup blocks until the session's wakeup watermark is met.
func (s *Session) WaitForWakeup(timeout time.Duration) (int, error) {
	n, err := s.perf.WaitForWakeup(timeout)
	if err != nil {
		return 0, newError(classifyPerfError(err), err)
	}
	return n, nil
}

// Counters returns the session's observability counters.
func (s *Session) Counters() perfsession.Counters {
	return s.perf.Counters()
}

// Close releases every kernel resource the session holds.
func (s *Session) Close() error {
	return s.perf.Close()
}

// DecodedField is one flattened EventHeader item, yielded by Decode.
type DecodedField struct {
	Name  string
	Value []byte
	Kind  eventheader.Encoding
}

// Decode walks an EventHeader-convention raw sample (the bytes
// recovered from a Raw sample field) and returns every item the
// enumerator yields, in order. It does not interpret tracefmt
// descriptors; those describe the outer perf_event_raw wrapper, not
// EventHeader's own self-describing metadata (spec §3, §4.D).
func (s *Session) Decode(fullName string, raw []byte) ([]DecodedField, error) {
	if err := s.enum.StartEvent(fullName, raw); err != nil {
		return nil, newError(classifyEventHeaderError(s.enum.Err()), err)
	}

	var fields []DecodedField
	for s.enum.MoveNext() {
		item := s.enum.Current()
		switch item.State {
		case eventheader.StateValue:
			fields = append(fields, DecodedField{
				Name:  string(item.Name),
				Value: item.Value,
				Kind:  item.Encoding,
			})
		}
	}
	if s.enum.State() == eventheader.StateError {
		return fields, newError(classifyEventHeaderError(s.enum.Err()), s.enum.Err())
	}
	return fields, nil
}

// EnumerateUnordered drains every CPU buffer's pending samples in
// per-CPU order and invokes cb for each.
func (s *Session) EnumerateUnordered(cb func(*perfsession.SampleEventInfo) int) error {
	if err := s.perf.EnumerateUnordered(cb); err != nil {
		return newError(classifyPerfError(err), err)
	}
	return nil
}

// EnumerateOrdered drains every CPU buffer's pending samples in
// globally timestamp-sorted order and invokes cb for each.
func (s *Session) EnumerateOrdered(cb func(*perfsession.SampleEventInfo) int) error {
	if err := s.perf.EnumerateOrdered(cb); err != nil {
		return newError(classifyPerfError(err), err)
	}
	return nil
}

// Registrar exposes the narrow user_events provider-registration
// primitive the session's Enable path needs (spec §1 "infrastructure,
// not the provider SDK").
type Registrar = perfsession.ProviderRegistrar

// OpenProvider opens a user_events tracefs file as a Registrar.
func OpenProvider(path string) (*userevents.Provider, error) {
	p, err := userevents.Open(path)
	if err != nil {
		return nil, newError(KernelError, err)
	}
	return p, nil
}

func classifyPerfError(err error) Kind {
	if errors.Cause(err) == perfsession.ErrWaitNotSupported {
		return PermissionDenied
	}
	return KernelError
}

func classifyEventHeaderError(e *eventheader.Error) Kind {
	if e == nil {
		return InvalidData
	}
	switch e.Kind {
	case eventheader.ErrInvalidParameter:
		return InvalidParameter
	case eventheader.ErrNotSupported:
		return NotSupported
	case eventheader.ErrInvalidData:
		return InvalidData
	case eventheader.ErrImplementationLimit:
		return ImplementationLimit
	case eventheader.ErrStackOverflow:
		return StackOverflow
	default:
		return InvalidData
	}
}
