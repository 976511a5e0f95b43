// Package userevents wraps the user_events tracefs ioctl protocol:
// registering a provider-defined tracepoint by name and getting back
// the write index used to submit EventHeader payloads through it.
//
// The ioctl-attr idiom (a fixed-layout attr struct passed by pointer,
// a syscall wrapper that turns raw errno into a taxonomy of named
// errors) is grounded on the teacher's bpfCall/perfEventOpen pair in
// syscalls.go, adapted from BPF_CALL's single multiplexed syscall to
// ioctl's per-fd command dispatch.
package userevents

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioctl command numbers for the user_events_data file, built with the
// standard Linux _IOC encoding (direction, type 'u', number, size).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

var (
	userRegSize   = unsafe.Sizeof(userReg{})
	userUnregSize = unsafe.Sizeof(userUnreg{})

	diagIOCSREG   = ioc(iocWrite|iocRead, 'u', 0, userRegSize)
	diagIOCSUNREG = ioc(iocWrite, 'u', 2, userUnregSize)
)

// userReg mirrors the kernel's registration request: a NUL-terminated
// "name field1;field2;..." command string in, a write index and
// enable-bit status address out.
type userReg struct {
	size       uint32
	enableBit  uint8
	enableSize uint8
	_          uint16
	enableAddr uint64
	nameArgs   uint64
	writeIndex uint32
	_          uint32
}

type userUnreg struct {
	size      uint32
	_         uint32
	disableAddr uint64
}

// Provider is an open handle on /sys/kernel/tracing/user_events_data,
// shared by every tracepoint the caller registers through it.
type Provider struct {
	mu   sync.Mutex
	file *os.File
}

// Registrar is the register/unregister method set *Provider
// implements, with no ioctl details in its signatures;
// perfsession.ProviderRegistrar declares the same methods.
type Registrar interface {
	Register(name string, fields []string) (*Registration, error)
	Unregister(reg *Registration) error
}

// Registration is a live registered tracepoint; Index is the write
// index a caller embeds into the EventHeader payload it submits via
// write(2) on the provider file.
type Registration struct {
	Name  string
	Index uint32

	enableAddr uint64
}

// Open opens the user_events data file at path (ordinarily
// tracefs.UserEventsDataPath).
func Open(path string) (*Provider, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open user_events data file %s", path)
	}
	p := &Provider{file: f}
	runtime.SetFinalizer(p, (*Provider).Close)
	return p, nil
}

// Close releases the provider's file descriptor. Safe to call more
// than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	runtime.SetFinalizer(p, nil)
	err := p.file.Close()
	p.file = nil
	return err
}

// Register declares a tracepoint with the given name and field
// descriptors (each formatted the way the kernel's user_events parser
// expects, e.g. "u32 count"), returning the write index used to emit
// events for it.
func (p *Provider) Register(name string, fields []string) (*Registration, error) {
	if strings.ContainsAny(name, " \t\n;") {
		return nil, errors.Errorf("invalid event name %q", name)
	}

	command := name
	if len(fields) > 0 {
		command += " " + strings.Join(fields, "; ")
	}
	nameBytes := append([]byte(command), 0)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil, errors.New("provider is closed")
	}

	attr := userReg{
		size:     uint32(userRegSize),
		nameArgs: uint64(uintptr(unsafe.Pointer(&nameBytes[0]))),
	}

	if err := p.ioctl(diagIOCSREG, unsafe.Pointer(&attr)); err != nil {
		runtime.KeepAlive(nameBytes)
		return nil, errors.Wrapf(err, "register event %q", name)
	}
	runtime.KeepAlive(nameBytes)

	return &Registration{
		Name:       name,
		Index:      attr.writeIndex,
		enableAddr: attr.enableAddr,
	}, nil
}

// Unregister removes a previously registered tracepoint.
func (p *Provider) Unregister(reg *Registration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return errors.New("provider is closed")
	}

	attr := userUnreg{
		size:        uint32(userUnregSize),
		disableAddr: reg.enableAddr,
	}
	if err := p.ioctl(diagIOCSUNREG, unsafe.Pointer(&attr)); err != nil {
		return errors.Wrapf(err, "unregister event %q", reg.Name)
	}
	return nil
}

func (p *Provider) ioctl(cmd uintptr, attr unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, p.file.Fd(), cmd, uintptr(attr))
	if errno != 0 {
		return errno
	}
	return nil
}
