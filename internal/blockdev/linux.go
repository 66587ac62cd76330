//go:build linux

package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// FIFREEZE and FITHAW from <linux/fs.h>; x/sys does not export them.
const (
	fiFreeze = 0xc0045877
	fiThaw   = 0xc0045878
)

// LinuxVolume is an open block device node.
type LinuxVolume struct {
	f     *os.File
	id    types.VolumeID
	queue types.QueueID
	start uint64
	lbs   uint32
	pbs   uint32
}

func (v *LinuxVolume) ID() types.VolumeID        { return v.id }
func (v *LinuxVolume) Queue() types.QueueID      { return v.queue }
func (v *LinuxVolume) StartSector() uint64       { return v.start }
func (v *LinuxVolume) LogicalBlockSize() uint32  { return v.lbs }
func (v *LinuxVolume) PhysicalBlockSize() uint32 { return v.pbs }

// Capacity queries the current size, so an online resize is visible.
func (v *LinuxVolume) Capacity() uint64 {
	size, err := deviceSize(int(v.f.Fd()))
	if err != nil {
		return 0
	}
	return types.BytesToSectors(size)
}

func (v *LinuxVolume) ReadAt(p []byte, off int64) (int, error) { return v.f.ReadAt(p, off) }
func (v *LinuxVolume) Close() error                            { return v.f.Close() }

func deviceSize(fd int) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// Linux opens and freezes real block devices.
type Linux struct {
	// SysfsRoot and DevRoot default to /sys and /dev.
	SysfsRoot string
	DevRoot   string

	mu       sync.Mutex
	attached map[types.QueueID]types.WriteHandler
}

var (
	_ types.Opener      = (*Linux)(nil)
	_ types.Freezer     = (*Linux)(nil)
	_ types.Interceptor = (*Linux)(nil)
)

// NewLinux returns adapters rooted at the live /sys and /dev.
func NewLinux() *Linux {
	return &Linux{
		SysfsRoot: "/sys",
		DevRoot:   "/dev",
		attached:  make(map[types.QueueID]types.WriteHandler),
	}
}

// Open implements types.Opener.
func (l *Linux) Open(id types.VolumeID) (types.Volume, error) {
	path := filepath.Join(l.DevRoot, "block", id.String())
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Wrap(types.ErrKindNotFound, "blockdev: open "+path, err)
		}
		return nil, types.Wrap(types.ErrKindIO, "blockdev: open "+path, err)
	}
	fd := int(f.Fd())
	lbs, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		f.Close()
		return nil, types.Wrap(types.ErrKindIO, "blockdev: BLKSSZGET", err)
	}
	pbs, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET)
	if err != nil {
		pbs = lbs
	}
	start, queue, err := l.topology(id)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &LinuxVolume{
		f:     f,
		id:    id,
		queue: queue,
		start: start,
		lbs:   uint32(lbs),
		pbs:   uint32(pbs),
	}, nil
}

// topology reads a partition's start sector and its disk's device number
// from sysfs. Whole disks start at zero and are their own queue.
func (l *Linux) topology(id types.VolumeID) (uint64, types.QueueID, error) {
	dir, err := filepath.EvalSymlinks(filepath.Join(l.SysfsRoot, "dev", "block", id.String()))
	if err != nil {
		return 0, 0, types.Wrap(types.ErrKindNotFound, "blockdev: sysfs entry for "+id.String(), err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "start"))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, queueOf(id), nil
	}
	if err != nil {
		return 0, 0, types.Wrap(types.ErrKindIO, "blockdev: read partition start", err)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, 0, types.Wrap(types.ErrKindIO, "blockdev: parse partition start", err)
	}
	parent, err := os.ReadFile(filepath.Join(filepath.Dir(dir), "dev"))
	if err != nil {
		return 0, 0, types.Wrap(types.ErrKindIO, "blockdev: read parent device", err)
	}
	disk, err := types.ParseVolumeID(strings.TrimSpace(string(parent)))
	if err != nil {
		return 0, 0, err
	}
	return start, queueOf(disk), nil
}

func queueOf(disk types.VolumeID) types.QueueID {
	return types.QueueID(uint64(disk.Major)<<32 | uint64(disk.Minor))
}

// Freeze implements types.Freezer with FIFREEZE on the volume's mount point.
func (l *Linux) Freeze(ctx context.Context, vol types.Volume) (types.FreezeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mp, err := MountPoint(vol.ID())
	if err != nil {
		return nil, err
	}
	dir, err := os.Open(mp)
	if err != nil {
		return nil, types.Wrap(types.ErrKindIO, "blockdev: open mount point", err)
	}
	if err := unix.IoctlSetInt(int(dir.Fd()), fiFreeze, 0); err != nil {
		dir.Close()
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY) {
			return nil, fmt.Errorf("%w: %s cannot be frozen", types.ErrNoFilesystem, mp)
		}
		return nil, types.Wrap(types.ErrKindIO, "blockdev: FIFREEZE "+mp, err)
	}
	return dir, nil
}

// Thaw implements types.Freezer.
func (l *Linux) Thaw(_ context.Context, _ types.Volume, token types.FreezeToken) error {
	dir, ok := token.(*os.File)
	if !ok {
		return types.Errorf(types.ErrKindInvalid, "blockdev: foreign freeze token %T", token)
	}
	defer dir.Close()
	if err := unix.IoctlSetInt(int(dir.Fd()), fiThaw, 0); err != nil {
		return types.Wrap(types.ErrKindIO, "blockdev: FITHAW "+dir.Name(), err)
	}
	return nil
}

// Attach records h for q. The kernel offers no user-space hook into a block
// queue, so writes only reach h through Submit.
func (l *Linux) Attach(q types.QueueID, h types.WriteHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.attached[q]; ok {
		return types.Errorf(types.ErrKindAlreadyExists, "blockdev: queue %d already intercepted", q)
	}
	l.attached[q] = h
	return nil
}

// Detach implements types.Interceptor.
func (l *Linux) Detach(q types.QueueID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.attached[q]; !ok {
		return types.Errorf(types.ErrKindNotFound, "blockdev: queue %d not intercepted", q)
	}
	delete(l.attached, q)
	return nil
}

// Submit hands a write observed elsewhere (for example by a tracing agent)
// to the handler attached to its queue. The write is not issued to the
// device; next only completes it.
func (l *Linux) Submit(ctx context.Context, w *types.Write) error {
	l.mu.Lock()
	h := l.attached[w.Queue]
	l.mu.Unlock()
	next := func(context.Context, *types.Write) error { return nil }
	if h == nil {
		return nil
	}
	done := make(chan error, 1)
	w.Done = func(err error) { done <- err }
	if h(ctx, w, next) == types.PassThrough {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
