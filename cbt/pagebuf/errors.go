package pagebuf

import "github.com/joshuapare/cbtkit/pkg/types"

var (
	// ErrOutOfRange indicates an index or span past the last page.
	ErrOutOfRange = &types.Error{Kind: types.ErrKindOutOfRange, Msg: "pagebuf: index out of range"}

	// ErrNoMemory indicates a page could not be allocated.
	ErrNoMemory = &types.Error{Kind: types.ErrKindNoMemory, Msg: "pagebuf: page allocation failed"}

	// ErrFreed indicates use of a buffer after Free.
	ErrFreed = &types.Error{Kind: types.ErrKindState, Msg: "pagebuf: buffer already freed"}
)
