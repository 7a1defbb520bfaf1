//go:build linux

package hooks

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// OS is the production Hooks implementation for Linux, built directly
// on golang.org/x/sys/unix — the pack's overwhelming choice (50
// occurrences across the retrieved examples) for raw mmap/munmap/
// madvise syscalls.
type OS struct {
	// processMadviseSupported short-circuits VectorizedPurge straight
	// to per-range fallback once a prior pidfd_open or process_madvise
	// call has returned any error (for example ENOSYS on kernels older
	// than 5.10); the failed syscall is not retried on later flushes.
	processMadviseSupported bool
	probedProcessMadvise    bool
}

// NewOS returns a Hooks backed by real mmap/munmap/madvise syscalls.
func NewOS() *OS {
	return &OS{processMadviseSupported: true}
}

func (o *OS) Map(size uintptr) []byte {
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}
	return b
}

func (o *OS) Unmap(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munmap(b)
}

func (o *OS) Purge(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}

func (o *OS) VectorizedPurge(ranges []Range, totalBytes uintptr) bool {
	if len(ranges) == 0 {
		return false
	}
	if o.probedProcessMadvise && !o.processMadviseSupported {
		return true
	}

	iov := make([][]byte, len(ranges))
	for i, r := range ranges {
		iov[i] = r.Base
	}
	// process_madvise targets a pidfd; the calling process purging its
	// own memory opens a pidfd on itself.
	pidfd, err := unix.PidfdOpen(os.Getpid(), 0)
	if err != nil {
		o.probedProcessMadvise = true
		o.processMadviseSupported = false
		return true
	}
	defer unix.Close(pidfd)

	n, err := unix.ProcessMadvise(pidfd, iov, unix.MADV_DONTNEED, 0)
	o.probedProcessMadvise = true
	if err != nil {
		o.processMadviseSupported = false
		return true
	}
	o.processMadviseSupported = true
	return uintptr(n) < totalBytes
}

func (o *OS) Hugify(b []byte, sync bool) bool {
	if len(b) == 0 {
		return true
	}
	err := unix.Madvise(b, unix.MADV_HUGEPAGE)
	return err != nil
}

func (o *OS) Dehugify(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_NOHUGEPAGE)
}

func (o *OS) Curtime(firstReading bool) time.Time {
	return time.Now()
}

func (o *OS) MsSince(past time.Time) uint64 {
	d := time.Since(past)
	if d < 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}
