package control

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// Client calls the control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket at path. The connection is made
// lazily, on the first call.
func Dial(path string) (*Client, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient("unix://"+abs,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// AddTracking starts tracking vol in blocks of 2^degree bytes; zero picks
// the daemon default.
func (c *Client) AddTracking(ctx context.Context, vol types.VolumeID, degree uint, snapshotID types.SnapshotID) error {
	return c.invoke(ctx, "AddTracking", &AddTrackingRequest{Volume: vol, Degree: degree, SnapshotID: snapshotID}, &Empty{})
}

// RemoveTracking stops tracking vol.
func (c *Client) RemoveTracking(ctx context.Context, vol types.VolumeID) error {
	return c.invoke(ctx, "RemoveTracking", &VolumeRequest{Volume: vol}, &Empty{})
}

// ListTracked lists at most limit tracked volumes. When more are tracked it
// returns the first limit alongside an error of kind NoBuffers.
func (c *Client) ListTracked(ctx context.Context, limit int) ([]types.CBTInfo, error) {
	var out ListTrackedResponse
	if err := c.invoke(ctx, "ListTracked", &ListTrackedRequest{Max: limit}, &out); err != nil {
		return nil, err
	}
	if out.Truncated {
		return out.Volumes, types.Errorf(types.ErrKindNoBuffers, "control: more than %d volumes tracked", limit)
	}
	return out.Volumes, nil
}

// ReadBitmap reads up to length bytes of the published map of vol from
// block offset. Reads longer than MaxReadLength are split into several
// calls.
func (c *Client) ReadBitmap(ctx context.Context, vol types.VolumeID, offset, length uint64) ([]byte, error) {
	var data bytes.Buffer
	for length > 0 {
		var out ReadBitmapResponse
		req := &ReadBitmapRequest{Volume: vol, Offset: offset, Length: min(length, MaxReadLength)}
		if err := c.invoke(ctx, "ReadBitmap", req, &out); err != nil {
			return nil, err
		}
		data.Write(out.Data)
		n := uint64(len(out.Data))
		if n < req.Length {
			break
		}
		offset += n
		length -= n
	}
	return data.Bytes(), nil
}

// MarkDirty marks ranges of vol as changed.
func (c *Client) MarkDirty(ctx context.Context, vol types.VolumeID, ranges []types.SectorRange) error {
	return c.invoke(ctx, "MarkDirty", &MarkDirtyRequest{Volume: vol, Ranges: ranges}, &Empty{})
}

// CreateSnapshot captures vols and returns the snapshot id.
func (c *Client) CreateSnapshot(ctx context.Context, vols []types.VolumeID, degree uint) (types.SnapshotID, error) {
	var out CreateSnapshotResponse
	if err := c.invoke(ctx, "CreateSnapshot", &CreateSnapshotRequest{Volumes: vols, Degree: degree}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ReleaseSnapshot releases snapshot id.
func (c *Client) ReleaseSnapshot(ctx context.Context, id types.SnapshotID) error {
	return c.invoke(ctx, "ReleaseSnapshot", &SnapshotRequest{ID: id}, &Empty{})
}

// Status returns the daemon's diagnostic summary.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.invoke(ctx, "Status", &Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
