package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

func TestStalenessGate(t *testing.T) {
	t.Parallel()
	assert.True(t, StalenessGate(0, 1))
	assert.True(t, StalenessGate(99, 100))
	assert.False(t, StalenessGate(100, 100))
	assert.False(t, StalenessGate(101, 100))
}

func TestUpdateGate(t *testing.T) {
	t.Parallel()
	now := time.Unix(10_000, 0)
	existing := &model.Order{ValidFrom: 5_000}

	tests := []struct {
		name    string
		trigger *Trigger
		want    store.UpdateGate
		ok      bool
	}{
		{name: "no trigger", trigger: nil},
		{name: "no timestamp", trigger: &Trigger{TxHash: "0x1"}},
		{name: "older", trigger: &Trigger{TxTimestamp: 4_000}},
		{name: "same", trigger: &Trigger{TxTimestamp: 5_000}},
		{name: "newer", trigger: &Trigger{TxTimestamp: 6_000}, want: store.UpdateGate{TxTimestamp: 6_000}, ok: true},
		{
			name:    "force recheck at tx time",
			trigger: &Trigger{ForceRecheck: true, TxTimestamp: 8_000},
			want:    store.UpdateGate{ForceRecheckBefore: 8_000 - 3600},
			ok:      true,
		},
		{
			name:    "force recheck now",
			trigger: &Trigger{ForceRecheck: true},
			want:    store.UpdateGate{ForceRecheckBefore: 10_000 - 3600},
			ok:      true,
		},
		{
			name:    "rollback",
			trigger: &Trigger{Rollback: true},
			want:    store.UpdateGate{ForceRecheckBefore: 10_001},
			ok:      true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := updateGate(existing, tt.trigger, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
