package control

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// errorDomain scopes the ErrorInfo reasons.
const errorDomain = "cbtkit"

type kindMapping struct {
	errno  unix.Errno
	code   codes.Code
	reason string
}

var kinds = map[types.ErrKind]kindMapping{
	types.ErrKindNotFound:        {unix.ENODATA, codes.NotFound, "NOT_FOUND"},
	types.ErrKindAlreadyExists:   {unix.EALREADY, codes.AlreadyExists, "ALREADY_EXISTS"},
	types.ErrKindOutOfRange:      {unix.EINVAL, codes.OutOfRange, "OUT_OF_RANGE"},
	types.ErrKindNoMemory:        {unix.ENOMEM, codes.ResourceExhausted, "NO_MEMORY"},
	types.ErrKindBusy:            {unix.EBUSY, codes.FailedPrecondition, "BUSY"},
	types.ErrKindCorrupt:         {unix.EBADMSG, codes.DataLoss, "CORRUPT"},
	types.ErrKindPartialTransfer: {unix.EFAULT, codes.Aborted, "PARTIAL_TRANSFER"},
	types.ErrKindState:           {unix.EPERM, codes.FailedPrecondition, "STATE"},
	types.ErrKindNoBuffers:       {unix.ENOBUFS, codes.ResourceExhausted, "NO_BUFFERS"},
	types.ErrKindIO:              {unix.EIO, codes.Internal, "IO"},
	types.ErrKindInvalid:         {unix.EINVAL, codes.InvalidArgument, "INVALID"},
}

// Errno maps err to the POSIX status a caller reports. nil maps to 0 and an
// error without a kind to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if k, ok := types.KindOf(err); ok {
		if m, ok := kinds[k]; ok {
			return m.errno
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return unix.ECONNREFUSED
		case codes.DeadlineExceeded:
			return unix.ETIMEDOUT
		case codes.Canceled:
			return unix.EINTR
		}
	}
	return unix.EIO
}

// Code maps err to a gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if k, ok := types.KindOf(err); ok {
		if m, ok := kinds[k]; ok {
			return m.code
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// toStatus converts a service error to a gRPC status error carrying its
// kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	st := status.New(Code(err), err.Error())
	if k, ok := types.KindOf(err); ok {
		if withKind, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: kinds[k].reason,
			Domain: errorDomain,
		}); derr == nil {
			st = withKind
		}
	}
	return st.Err()
}

// fromStatus rebuilds a typed error from a gRPC status error. Statuses
// without a kind detail are returned unchanged.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for k, m := range kinds {
			if m.reason == info.GetReason() {
				return &types.Error{Kind: k, Msg: st.Message()}
			}
		}
	}
	return err
}
