// Package gate provides the exclusive section that capture and release run in.
//
// Writers enter the gate shared for the length of their write path; a
// transition closes it exclusively, so no write sees a half-finished
// capture. Volumes with a mounted filesystem use the filesystem freeze for
// this, which also flushes dirty data so the snapshot is consistent.
// Volumes without one fall back to an in-process reader/writer lock.
//
// The choice is made once, when tracking starts, by probing a freeze.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// Kind identifies the mechanism behind a Gate.
type Kind int

const (
	// KindFreeze gates through the filesystem freeze.
	KindFreeze Kind = iota
	// KindLock gates through an in-process reader/writer lock.
	KindLock
)

func (k Kind) String() string {
	if k == KindFreeze {
		return "freeze"
	}
	return "lock"
}

// Gate is the shared/exclusive section around a volume's writes.
type Gate interface {
	// Enter takes the shared side for one write.
	Enter()
	// Leave releases what Enter took.
	Leave()
	// Close takes the exclusive side, waiting out writers already inside.
	Close(ctx context.Context) error
	// Open releases the exclusive side.
	Open(ctx context.Context) error
	// Kind reports the mechanism.
	Kind() Kind
}

// ErrNotClosed indicates Open without a matching Close.
var ErrNotClosed = &types.Error{Kind: types.ErrKindState, Msg: "gate: open without close"}

// Select probes a freeze of vol. If the volume freezes, it is thawed again
// and a freeze gate is returned; otherwise the volume gets a lock gate.
// Only a failing thaw is returned as an error.
func Select(ctx context.Context, f types.Freezer, vol types.Volume) (Gate, error) {
	log := logger.For("gate").With("volume", vol.ID())
	if f == nil {
		return NewLock(), nil
	}
	token, err := f.Freeze(ctx, vol)
	if err != nil {
		if errors.Is(err, types.ErrNoFilesystem) {
			log.Debug("volume has no filesystem, using lock gate")
		} else {
			log.Warn("freeze probe failed, using lock gate", "error", err)
		}
		return NewLock(), nil
	}
	if err := f.Thaw(ctx, vol, token); err != nil {
		return nil, fmt.Errorf("gate: thaw after probe: %w", err)
	}
	log.Debug("using freeze gate")
	return NewFreeze(f, vol), nil
}

// -----------------------------------------------------------------------------
// Lock gate
// -----------------------------------------------------------------------------

// Lock is a Gate backed by a sync.RWMutex.
type Lock struct {
	mu sync.RWMutex
}

// NewLock returns an open lock gate.
func NewLock() *Lock { return &Lock{} }

func (g *Lock) Enter() { g.mu.RLock() }
func (g *Lock) Leave() { g.mu.RUnlock() }

// Close takes the write lock. It returns ctx.Err() if ctx is already done.
func (g *Lock) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	return nil
}

func (g *Lock) Open(context.Context) error {
	g.mu.Unlock()
	return nil
}

func (g *Lock) Kind() Kind { return KindLock }

// -----------------------------------------------------------------------------
// Freeze gate
// -----------------------------------------------------------------------------

// Freeze is a Gate backed by the filesystem freeze. Writers need no
// in-process lock: a frozen filesystem holds them back itself.
type Freeze struct {
	f   types.Freezer
	vol types.Volume

	mu    sync.Mutex
	token types.FreezeToken
	held  bool
	log   *slog.Logger
}

// NewFreeze returns a freeze gate for vol.
func NewFreeze(f types.Freezer, vol types.Volume) *Freeze {
	return &Freeze{f: f, vol: vol, log: logger.For("gate").With("volume", vol.ID())}
}

func (g *Freeze) Enter() {}
func (g *Freeze) Leave() {}

// Close freezes the filesystem.
func (g *Freeze) Close(ctx context.Context) error {
	g.mu.Lock()
	token, err := g.f.Freeze(ctx, g.vol)
	if err != nil {
		g.mu.Unlock()
		return types.Wrap(types.ErrKindIO, "gate: freeze", err)
	}
	g.token, g.held = token, true
	g.log.Debug("frozen")
	return nil
}

// Open thaws the filesystem. The gate is reopened even when thaw fails.
func (g *Freeze) Open(ctx context.Context) error {
	if !g.held {
		return ErrNotClosed
	}
	token := g.token
	g.token, g.held = nil, false
	defer g.mu.Unlock()
	if err := g.f.Thaw(ctx, g.vol, token); err != nil {
		g.log.Error("thaw failed", "error", err)
		return types.Wrap(types.ErrKindIO, "gate: thaw", err)
	}
	g.log.Debug("thawed")
	return nil
}

func (g *Freeze) Kind() Kind { return KindFreeze }
