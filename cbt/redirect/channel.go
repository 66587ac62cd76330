package redirect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/joshuapare/cbtkit/cbt/descarray"
	"github.com/joshuapare/cbtkit/cbt/descpool"
	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/cbt/refs"
	"github.com/joshuapare/cbtkit/internal/buf"
	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

const (
	// DefaultBlockShift gives 64 KiB snapstore blocks.
	DefaultBlockShift = 7
	// DefaultQueueSectors bounds the queued write volume.
	DefaultQueueSectors = 65536
	// DefaultPreallocBlocks is the number of buffers kept ahead of the worker.
	DefaultPreallocBlocks = 16
)

var (
	// ErrCorrupt indicates the channel lost original data.
	ErrCorrupt = &types.Error{Kind: types.ErrKindCorrupt, Msg: "redirect: snapshot data is corrupt"}

	// ErrStopped indicates use of a stopped channel.
	ErrStopped = &types.Error{Kind: types.ErrKindState, Msg: "redirect: channel stopped"}
)

// Options configures a Channel. Zero fields take the defaults.
type Options struct {
	BlockShift     uint
	QueueSectors   int64
	PreallocBlocks int
	SlabPages      int
	// Budget caps the pages holding original data. The block index is
	// not charged to it.
	Budget *pagebuf.Budget
}

func (o *Options) defaults() {
	if o.BlockShift == 0 {
		o.BlockShift = DefaultBlockShift
	}
	if o.QueueSectors <= 0 {
		o.QueueSectors = DefaultQueueSectors
	}
	if o.PreallocBlocks <= 0 {
		o.PreallocBlocks = DefaultPreallocBlocks
	}
	if o.SlabPages <= 0 {
		o.SlabPages = descpool.DefaultSlabPages
	}
}

// block is one buffered snapstore block.
type block struct {
	number  uint64
	sectors uint64
	data    *pagebuf.Buffer
}

type request struct {
	ctx    context.Context
	w      *types.Write
	rng    types.SectorRange
	next   types.Forwarder
	weight int64
}

// Channel is the copy-on-write buffer of one captured volume.
type Channel struct {
	refs refs.Count

	vol          types.Volume
	opts         Options
	sectors      uint64 // volume size at capture
	blockSectors uint64

	pool  *descpool.Pool[block]
	index *descarray.Array[*block]

	// snapMu orders snapshot reads against copy-before-write.
	snapMu sync.RWMutex

	queue chan *request
	sem   *semaphore.Weighted
	eg    *errgroup.Group

	mu      sync.Mutex
	stopped bool

	corrupt atomic.Bool

	writesReceived   atomic.Uint64
	writesProcessed  atomic.Uint64
	sectorsReceived  atomic.Uint64
	sectorsProcessed atomic.Uint64
	sectorsCopied    atomic.Uint64

	log *slog.Logger
}

// New creates a channel for vol and starts its worker.
func New(vol types.Volume, opts Options) (*Channel, error) {
	opts.defaults()
	sectors := vol.Capacity()
	blocks := buf.CeilShift(sectors, opts.BlockShift)
	if blocks == 0 {
		return nil, types.Errorf(types.ErrKindInvalid, "redirect: volume %s is empty", vol.ID())
	}
	index, err := descarray.New[*block](0, blocks-1, descarray.Options{})
	if err != nil {
		return nil, fmt.Errorf("redirect: block index: %w", err)
	}

	c := &Channel{
		vol:          vol,
		opts:         opts,
		sectors:      sectors,
		blockSectors: 1 << opts.BlockShift,
		index:        index,
		pool: descpool.New[block](descpool.Options{
			SlabBytes:    opts.SlabPages * pagebuf.PageSize,
			BlockShift:   opts.BlockShift,
			CapacityHint: uint64(opts.PreallocBlocks),
		}),
		queue: make(chan *request, 256),
		sem:   semaphore.NewWeighted(opts.QueueSectors),
		log:   logger.For("redirect").With("volume", vol.ID()),
	}
	if err := c.topUp(); err != nil {
		c.release()
		return nil, err
	}
	c.refs.Init("redirect", c.release)

	c.eg = new(errgroup.Group)
	c.eg.Go(c.run)
	c.log.Info("channel started", "blocks", blocks, "block_sectors", c.blockSectors)
	return c, nil
}

// release frees the buffered data. It runs once, at the last reference.
func (c *Channel) release() {
	c.index.Range(func(uint64, *block) bool {
		_ = c.pool.Release()
		return true
	})
	c.index.Done()
	if err := c.pool.Done(func(records []block) {
		for i := range records {
			records[i].data.Free()
		}
	}); err != nil {
		c.log.Error("buffers still claimed at release", "error", err)
	}
}

// IncRef takes a reference.
func (c *Channel) IncRef() { c.refs.IncRef() }

// TryIncRef takes a reference unless the buffers are already released.
func (c *Channel) TryIncRef() bool { return c.refs.TryIncRef() }

// DecRef drops a reference, freeing the buffers on the last one.
func (c *Channel) DecRef() { c.refs.DecRef() }

// Volume returns the captured volume.
func (c *Channel) Volume() types.Volume { return c.vol }

// Corrupted reports whether original data was lost.
func (c *Channel) Corrupted() bool { return c.corrupt.Load() }

func (c *Channel) setCorrupt(err error) {
	if c.corrupt.CompareAndSwap(false, true) {
		c.log.Error("snapshot data corrupted", "error", err)
	}
}

// Stats returns the running counters.
func (c *Channel) Stats() types.RedirectStats {
	return types.RedirectStats{
		WritesReceived:   c.writesReceived.Load(),
		WritesProcessed:  c.writesProcessed.Load(),
		SectorsReceived:  c.sectorsReceived.Load(),
		SectorsProcessed: c.sectorsProcessed.Load(),
		SectorsCopied:    c.sectorsCopied.Load(),
	}
}

// Redirect queues w, covering rng of the volume, for copy-on-write. It
// reports false when the channel no longer accepts writes; the caller then
// forwards w itself. When it reports true, the worker forwards w through
// next and calls w.Complete.
func (c *Channel) Redirect(ctx context.Context, w *types.Write, rng types.SectorRange, next types.Forwarder) bool {
	weight := min(max(int64(rng.Count), 1), c.opts.QueueSectors)
	if err := c.sem.Acquire(ctx, weight); err != nil {
		c.setCorrupt(fmt.Errorf("queue wait: %w", err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.sem.Release(weight)
		return false
	}
	c.writesReceived.Add(1)
	c.sectorsReceived.Add(rng.Count)
	c.queue <- &request{ctx: ctx, w: w, rng: rng, next: next, weight: weight}
	return true
}

func (c *Channel) run() error {
	for req := range c.queue {
		c.process(req)
	}
	return nil
}

func (c *Channel) process(req *request) {
	if !c.Corrupted() {
		if err := c.copyOriginal(req.rng); err != nil {
			c.setCorrupt(err)
		}
	}
	err := req.next(req.ctx, req.w)
	c.writesProcessed.Add(1)
	c.sectorsProcessed.Add(req.rng.Count)
	c.sem.Release(req.weight)
	req.w.Complete(err)
}

// copyOriginal buffers every block of rng not buffered yet.
func (c *Channel) copyOriginal(rng types.SectorRange) error {
	if rng.Count == 0 {
		return nil
	}
	first := rng.Start >> c.opts.BlockShift
	last := (rng.End() - 1) >> c.opts.BlockShift

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	for blk := first; blk <= last; blk++ {
		_, err := c.index.Get(blk)
		if err == nil {
			continue
		}
		if !errors.Is(err, descarray.ErrNoData) {
			return err
		}
		rec, err := c.take()
		if err != nil {
			return err
		}
		start := blk << c.opts.BlockShift
		rec.number = blk
		rec.sectors = min(c.blockSectors, c.sectors-start)
		size := types.SectorsToBytes(rec.sectors)
		src := io.NewSectionReader(c.vol, int64(types.SectorsToBytes(start)), int64(size))
		if err := rec.data.CopyFrom(src, 0, size); err != nil {
			_ = c.pool.Release()
			return fmt.Errorf("redirect: read original block %d: %w", blk, err)
		}
		if err := c.index.Set(blk, rec); err != nil {
			_ = c.pool.Release()
			return err
		}
		c.sectorsCopied.Add(rec.sectors)
	}
	return nil
}

// take claims the next preallocated buffer, topping the pool up when it
// runs low.
func (c *Channel) take() (*block, error) {
	rec, err := c.pool.Take()
	if errors.Is(err, descpool.ErrExhausted) {
		if err := c.topUp(); err != nil {
			return nil, err
		}
		rec, err = c.pool.Take()
	}
	if err != nil {
		return nil, err
	}
	emptyLimit := uint64(c.opts.PreallocBlocks/2) << c.opts.BlockShift
	if below, fill := c.pool.CheckHalfFill(emptyLimit); below {
		c.log.Debug("topping up snapstore buffers", "fill_sectors", fill)
		if err := c.topUp(); err != nil {
			// The claimed record is still good; the next take will fail.
			c.log.Warn("snapstore top-up failed", "error", err)
		}
	}
	return rec, nil
}

// topUp preallocates PreallocBlocks buffers. It fails only if none could be
// allocated.
func (c *Channel) topUp() error {
	var popts []pagebuf.Option
	if c.opts.Budget != nil {
		popts = append(popts, pagebuf.WithBudget(c.opts.Budget))
	}
	size := types.SectorsToBytes(c.blockSectors)
	var firstErr error
	added := 0
	for i := 0; i < c.opts.PreallocBlocks; i++ {
		_, err := c.pool.Alloc(func(slab []block, idx int) error {
			data, err := pagebuf.NewForBytes(size, popts...)
			if err != nil {
				return err
			}
			slab[idx] = block{data: data}
			return nil
		})
		if err != nil {
			firstErr = err
			break
		}
		added++
	}
	if added == 0 && firstErr != nil {
		return fmt.Errorf("redirect: allocate snapstore buffers: %w", firstErr)
	}
	return nil
}

// Stop refuses new writes, forwards everything queued and waits for the
// worker. Buffered data stays readable until the last reference is dropped.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	_ = c.eg.Wait()
	st := c.Stats()
	c.log.Info("channel stopped",
		"writes", st.WritesProcessed,
		"sectors", st.SectorsProcessed,
		"copied", st.SectorsCopied,
		"corrupt", c.Corrupted())
}

// ReadSnapshot reads the volume as it was when the channel was created.
func (c *Channel) ReadSnapshot(p []byte, off int64) (int, error) {
	if c.Corrupted() {
		return 0, ErrCorrupt
	}
	size := types.SectorsToBytes(c.sectors)
	if off < 0 || uint64(off) >= size {
		return 0, io.EOF
	}

	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	blockBytes := types.SectorsToBytes(c.blockSectors)
	done := 0
	pos := uint64(off)
	for done < len(p) && pos < size {
		blk := pos / blockBytes
		inOff := pos % blockBytes
		chunk := min(uint64(len(p)-done), blockBytes-inOff, size-pos)
		dst := p[done : done+int(chunk)]

		rec, err := c.index.Get(blk)
		switch {
		case err == nil:
			if _, err := rec.data.ReadAt(dst, int64(inOff)); err != nil {
				return done, err
			}
		case errors.Is(err, descarray.ErrNoData):
			if _, err := c.vol.ReadAt(dst, int64(pos)); err != nil && !errors.Is(err, io.EOF) {
				return done, types.Wrap(types.ErrKindIO, "redirect: read live block", err)
			}
		default:
			return done, err
		}
		done += int(chunk)
		pos += chunk
	}
	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

// BufferedBlocks returns the number of blocks holding original data.
func (c *Channel) BufferedBlocks() int { return c.index.Count() }
