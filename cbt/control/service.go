package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"

	"google.golang.org/grpc"

	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/cbt/tracking"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// ServiceName is the gRPC service the daemon registers.
const ServiceName = "cbtkit.control.v1.Control"

// Backend is the tracking surface the server exposes. *tracking.Service
// implements it.
type Backend interface {
	Add(ctx context.Context, id types.VolumeID, degree uint, snapshotID types.SnapshotID) error
	Remove(ctx context.Context, id types.VolumeID) error
	Collect(limit int) ([]types.CBTInfo, error)
	ReadBitmap(id types.VolumeID, w io.Writer, off, n uint64) (uint64, error)
	MarkDirty(id types.VolumeID, ranges []types.SectorRange) error
	CreateSnapshot(ctx context.Context, ids []types.VolumeID, degree uint) (types.SnapshotID, error)
	ReleaseSnapshot(ctx context.Context, id types.SnapshotID) error
	Snapshots() []tracking.Snapshot
	Queues() int
}

var _ Backend = (*tracking.Service)(nil)

// controlServer is the handler type of the service descriptor.
type controlServer interface {
	backend() Backend
}

type service struct {
	b      Backend
	degree uint // used when a request leaves the degree at zero
}

func (s *service) backend() Backend { return s.b }

func (s *service) degreeOr(d uint) uint {
	if d != 0 {
		return d
	}
	if s.degree != 0 {
		return s.degree
	}
	return tracking.DefaultDegree
}

func (s *service) addTracking(ctx context.Context, req *AddTrackingRequest) (*Empty, error) {
	return &Empty{}, s.b.Add(ctx, req.Volume, s.degreeOr(req.Degree), req.SnapshotID)
}

func (s *service) removeTracking(ctx context.Context, req *VolumeRequest) (*Empty, error) {
	return &Empty{}, s.b.Remove(ctx, req.Volume)
}

func (s *service) listTracked(_ context.Context, req *ListTrackedRequest) (*ListTrackedResponse, error) {
	infos, err := s.b.Collect(req.Max)
	if err != nil && !errors.Is(err, types.ErrNoBuffers) {
		return nil, err
	}
	return &ListTrackedResponse{Volumes: infos, Truncated: err != nil}, nil
}

func (s *service) readBitmap(_ context.Context, req *ReadBitmapRequest) (*ReadBitmapResponse, error) {
	var out bytes.Buffer
	if _, err := s.b.ReadBitmap(req.Volume, &out, req.Offset, min(req.Length, MaxReadLength)); err != nil {
		return nil, err
	}
	return &ReadBitmapResponse{Data: out.Bytes()}, nil
}

func (s *service) markDirty(_ context.Context, req *MarkDirtyRequest) (*Empty, error) {
	return &Empty{}, s.b.MarkDirty(req.Volume, req.Ranges)
}

func (s *service) createSnapshot(ctx context.Context, req *CreateSnapshotRequest) (*CreateSnapshotResponse, error) {
	id, err := s.b.CreateSnapshot(ctx, req.Volumes, s.degreeOr(req.Degree))
	if err != nil {
		return nil, err
	}
	return &CreateSnapshotResponse{ID: id}, nil
}

func (s *service) releaseSnapshot(ctx context.Context, req *SnapshotRequest) (*Empty, error) {
	return &Empty{}, s.b.ReleaseSnapshot(ctx, req.ID)
}

func (s *service) status(context.Context, *Empty) (*StatusResponse, error) {
	infos, _ := s.b.Collect(math.MaxInt)
	return &StatusResponse{
		Tracked:   len(infos),
		Queues:    s.b.Queues(),
		Snapshots: s.b.Snapshots(),
		Memory:    pagebuf.Stats(),
	}, nil
}

// unary builds the descriptor of one method.
func unary[Req, Resp any](name string, call func(s *service, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*service)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddTracking", (*service).addTracking),
		unary("RemoveTracking", (*service).removeTracking),
		unary("ListTracked", (*service).listTracked),
		unary("ReadBitmap", (*service).readBitmap),
		unary("MarkDirty", (*service).markDirty),
		unary("CreateSnapshot", (*service).createSnapshot),
		unary("ReleaseSnapshot", (*service).releaseSnapshot),
		unary("Status", (*service).status),
	},
	Metadata: "cbtkit/control",
}
