package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(&testStrategy{kind: "b"}))
	require.NoError(t, r.Register(&cancelStrategy{testStrategy: testStrategy{kind: "a"}}))

	assert.Error(t, r.Register(&testStrategy{kind: "b"}))
	// A second handler for the same event is rejected.
	assert.Error(t, r.Register(&cancelStrategy{testStrategy: testStrategy{kind: "c"}}))
	assert.Equal(t, []string{"a", "b"}, r.Kinds())

	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrUnknownKind)

	kind, h, ok := r.HandlerFor(event.SubKindSeaportOrderCancelled)
	require.True(t, ok)
	assert.Equal(t, "a", kind)
	assert.NotNil(t, h)

	_, _, ok = r.HandlerFor(event.SubKindSudoswapDeltaUpdate)
	assert.False(t, ok)
}
