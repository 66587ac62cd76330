//go:build !linux

package blockdev

import (
	"context"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// Linux is unavailable on this platform; every call fails.
type Linux struct{}

// NewLinux returns adapters that report the platform as unsupported.
func NewLinux() *Linux { return &Linux{} }

var errUnsupported = types.Errorf(types.ErrKindInvalid, "blockdev: block devices are only supported on linux")

func (*Linux) Open(types.VolumeID) (types.Volume, error) { return nil, errUnsupported }
func (*Linux) Freeze(context.Context, types.Volume) (types.FreezeToken, error) {
	return nil, types.ErrNoFilesystem
}
func (*Linux) Thaw(context.Context, types.Volume, types.FreezeToken) error { return errUnsupported }
func (*Linux) Attach(types.QueueID, types.WriteHandler) error               { return errUnsupported }
func (*Linux) Detach(types.QueueID) error                                   { return errUnsupported }
func (*Linux) Submit(context.Context, *types.Write) error                   { return errUnsupported }
