package perfsession

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// controlPage mirrors the fields of struct perf_event_mmap_page this
// package reads or writes; the 1 KiB pad before data_head matches the
// real kernel layout (reserved fields occupy exactly the first 1024
// bytes), the same trick the teacher's perfEventMeta uses.
type controlPage struct {
	_          [128]uint64
	dataHead   uint64
	dataTail   uint64
	dataOffset uint64
	dataSize   uint64
}

// perfCPUBuffer is one CPU's leader mmap: a control page followed by
// the ring data region. Grounded on the teacher's perfEventRing.
type perfCPUBuffer struct {
	cpu  int
	mode Mode

	leaderFD int
	mmap     []byte
	ctrl     *controlPage
	ring     []byte

	// paused records whether a Circular-mode buffer is currently
	// paused; RealTime buffers never set it.
	paused bool
}

func newPerfCPUBuffer(cpu int, mode Mode, leaderFD int, bufSize int) (*perfCPUBuffer, error) {
	size := pageSize + bufSize

	prot := unix.PROT_READ
	if mode == RealTime {
		prot |= unix.PROT_WRITE
	}

	mmap, err := unix.Mmap(leaderFD, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap perf ring for CPU %d", cpu)
	}

	ctrl := (*controlPage)(unsafe.Pointer(&mmap[0]))
	buf := &perfCPUBuffer{
		cpu:      cpu,
		mode:     mode,
		leaderFD: leaderFD,
		mmap:     mmap,
		ctrl:     ctrl,
		ring:     mmap[ctrl.dataOffset : ctrl.dataOffset+ctrl.dataSize],
	}
	runtime.SetFinalizer(buf, (*perfCPUBuffer).Close)
	return buf, nil
}

// Close unmaps the buffer and closes its leader fd. Per-CPU follower
// fds redirected into this buffer are owned and closed separately by
// the Session.
func (b *perfCPUBuffer) Close() error {
	runtime.SetFinalizer(b, nil)
	var err error
	if b.mmap != nil {
		err = unix.Munmap(b.mmap)
		b.mmap = nil
	}
	unix.Close(b.leaderFD)
	return err
}

// acquireHead does an acquire-ordered load of data_head, observing
// every record byte the kernel published before advancing it (spec
// §5 memory barriers).
func (b *perfCPUBuffer) acquireHead() uint64 {
	return atomic.LoadUint64(&b.ctrl.dataHead)
}

func (b *perfCPUBuffer) loadTail() uint64 {
	return atomic.LoadUint64(&b.ctrl.dataTail)
}

// releaseTail does a release-ordered store of data_tail, so the
// kernel only observes consumption after all prior reads complete
// (spec §5 memory barriers). RealTime mode only; Circular buffers are
// read-only and never advance the tail.
func (b *perfCPUBuffer) releaseTail(tail uint64) {
	atomic.StoreUint64(&b.ctrl.dataTail, tail)
}

func (b *perfCPUBuffer) mask() uint64 {
	return uint64(len(b.ring) - 1)
}

// pause stops the kernel from writing further records into a
// Circular buffer so it can be read without racing a concurrent
// overwrite; resume lifts it. RealTime buffers don't use these.
func (b *perfCPUBuffer) pause() error {
	if err := ioctlSetPauseOutput(b.leaderFD, 1); err != nil {
		return errors.Wrapf(err, "pause CPU %d ring", b.cpu)
	}
	b.paused = true
	return nil
}

func (b *perfCPUBuffer) resume() error {
	if !b.paused {
		return nil
	}
	b.paused = false
	// PERF_EVENT_IOC_PAUSE_OUTPUT takes an int argument: nonzero
	// pauses, zero resumes.
	if err := ioctlSetPauseOutput(b.leaderFD, 0); err != nil {
		return errors.Wrapf(err, "resume CPU %d ring", b.cpu)
	}
	return nil
}

// readAt returns n bytes starting at ring-relative offset off. When
// the range lies inside the ring it returns a slice of the ring
// itself; when it straddles the end of the ring it copies both pieces
// into the caller-provided scratch slice and returns that (spec §4.E
// sample-parsing step 1).
func (b *perfCPUBuffer) readAt(off, n uint64, scratch []byte) []byte {
	start := int(off & b.mask())
	ringLen := len(b.ring)
	if start+int(n) <= ringLen {
		return b.ring[start : start+int(n)]
	}
	scratch = scratch[:0]
	first := ringLen - start
	scratch = append(scratch, b.ring[start:]...)
	scratch = append(scratch, b.ring[:int(n)-first]...)
	return scratch
}
