package perfsession

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// perf_event_attr.type value for a kernel tracepoint event.
const perfTypeTracepoint = 2

// perf_event_attr.read_format bit requesting the kernel assign and
// report a globally unique sample id readable via PERF_EVENT_IOC_ID.
const perfFormatID = 1 << 2

// CLOCK_MONOTONIC_RAW, used with use_clockid so timestamps are
// unaffected by NTP adjustment (spec §6).
const clockMonotonicRaw = 4

// perf_event_attr.flags bit positions (include/uapi/linux/perf_event.h).
const (
	attrDisabled     = 1 << 0
	attrWatermark    = 1 << 14
	attrUseClockID   = 1 << 25
	attrWriteBackward = 1 << 27
)

// perfEventAttr mirrors struct perf_event_attr for the fields this
// package sets; layout and the flags-as-one-u64 convention are
// grounded on the teacher's perfEventAttr in syscalls.go.
type perfEventAttr struct {
	perfType     uint32
	size         uint32
	config       uint64
	samplePeriod uint64
	sampleType   uint64
	readFormat   uint64

	flags uint64

	wakeupEventsOrWatermark uint32
	bpType                  uint32
	bpAddr                  uint64
	bpLen                   uint64

	branchSampleType uint64

	sampleRegsUser  uint64
	sampleStackUser uint32
	clockID         int32

	sampleRegsIntr uint64

	auxWatermark   uint32
	sampleMaxStack uint16

	padding uint16
}

// buildAttr constructs the perf_event_attr for one tracepoint id
// under cfg (spec §6 "Kernel event API").
func buildAttr(cfg *Config, descriptorID uint32) perfEventAttr {
	attr := perfEventAttr{
		perfType:     perfTypeTracepoint,
		config:       uint64(descriptorID),
		samplePeriod: 1,
		sampleType:   uint64(cfg.SampleTypeMask),
		readFormat:   perfFormatID,
		flags:        attrDisabled | attrWatermark | attrUseClockID,
		clockID:      clockMonotonicRaw,
	}
	if cfg.Mode == Circular {
		attr.flags |= attrWriteBackward
	}
	if cfg.Wakeup.Bytes {
		attr.wakeupEventsOrWatermark = cfg.Wakeup.Watermark
	} else {
		// Event-count wakeup clears the watermark flag: the kernel
		// interprets wakeup_events as a count instead of a byte level.
		attr.flags &^= attrWatermark
		attr.wakeupEventsOrWatermark = cfg.Wakeup.Watermark
	}
	return attr
}

func perfEventOpen(attr *perfEventAttr, cpu int) (int, error) {
	const flagCloexec = 1 << 3

	attr.size = uint32(unsafe.Sizeof(*attr))

	fd, _, errno := syscall.Syscall6(unix.SYS_PERF_EVENT_OPEN, uintptr(unsafe.Pointer(attr)),
		uintptr(^uint64(0)) /* pid = -1 */, uintptr(cpu), uintptr(^uint64(0)) /* group_fd = -1 */, uintptr(flagCloexec), 0)
	runtime.KeepAlive(attr)

	if errno != 0 {
		return -1, errors.Wrapf(errno, "perf_event_open(cpu=%d)", cpu)
	}
	return int(fd), nil
}

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlSetOutput(fd, targetFd int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_SET_OUTPUT, uintptr(targetFd))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlReadID(fd int) (uint64, error) {
	var id uint64
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_ID, uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, errno
	}
	return id, nil
}

func enableFd(fd int) error  { return ioctlNoArg(fd, unix.PERF_EVENT_IOC_ENABLE) }
func disableFd(fd int) error { return ioctlNoArg(fd, unix.PERF_EVENT_IOC_DISABLE) }

func ioctlSetPauseOutput(fd int, pause int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_PAUSE_OUTPUT, uintptr(pause))
	if errno != 0 {
		return errno
	}
	return nil
}
