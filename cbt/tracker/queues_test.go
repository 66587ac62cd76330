package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func Test_QueueSet_AttachesOncePerQueue(t *testing.T) {
	m := blockdev.NewMem()
	handler := func(context.Context, *types.Write, types.Forwarder) types.Disposition { return types.PassThrough }
	s := NewQueueSet(m, handler)

	require.NoError(t, s.Get(1))
	require.NoError(t, s.Get(1))
	require.NoError(t, s.Get(2))
	assert.Equal(t, 2, s.Refs(1))
	assert.Equal(t, 2, s.Len())
	assert.True(t, m.Attached(1))

	require.NoError(t, s.Put(1))
	assert.True(t, m.Attached(1), "one tracker left")
	require.NoError(t, s.Put(1))
	assert.False(t, m.Attached(1))
	assert.Zero(t, s.Refs(1))

	assert.ErrorIs(t, s.Put(1), types.ErrNotFound)
}

func Test_QueueSet_AttachFailure(t *testing.T) {
	m := blockdev.NewMem()
	handler := func(context.Context, *types.Write, types.Forwarder) types.Disposition { return types.PassThrough }
	require.NoError(t, m.Attach(1, handler))

	s := NewQueueSet(m, handler)
	err := s.Get(1)
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
	assert.Zero(t, s.Refs(1))
}
