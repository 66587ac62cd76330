package pagebuf

import (
	"fmt"
	"io"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// CopyTo writes n bytes starting at off to w, one page chunk at a time. A
// chunk that w rejects or writes short stops the transfer; the returned
// *types.TransferError carries the bytes moved and the bytes left.
func (b *Buffer) CopyTo(w io.Writer, off, n uint64) error {
	if err := b.checkSpan(off, n); err != nil {
		return err
	}
	var done uint64
	pi, po := locate(off)
	for done < n {
		chunk := b.pages[pi][po:]
		if left := n - done; uint64(len(chunk)) > left {
			chunk = chunk[:left]
		}
		written, err := w.Write(chunk)
		done += uint64(written)
		if err == nil && written < len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return transferError(done, n, err)
		}
		pi, po = pi+1, 0
	}
	return nil
}

// CopyFrom fills n bytes starting at off from r. A chunk that cannot be read
// in full stops the transfer with a *types.TransferError.
func (b *Buffer) CopyFrom(r io.Reader, off, n uint64) error {
	if err := b.checkSpan(off, n); err != nil {
		return err
	}
	var done uint64
	pi, po := locate(off)
	for done < n {
		chunk := b.pages[pi][po:]
		if left := n - done; uint64(len(chunk)) > left {
			chunk = chunk[:left]
		}
		read, err := io.ReadFull(r, chunk)
		done += uint64(read)
		if err != nil {
			return transferError(done, n, err)
		}
		pi, po = pi+1, 0
	}
	return nil
}

func transferError(done, total uint64, cause error) error {
	return &types.TransferError{
		Done:      int(done),
		Remaining: int(total - done),
		Err:       fmt.Errorf("pagebuf: %w", cause),
	}
}
