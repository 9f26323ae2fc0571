package normalizer

import (
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

// ForceRecheckWindow is how long a force-rechecked order is left alone after
// its last update.
const ForceRecheckWindow = time.Hour

// StalenessGate reports whether an event observed at txTimestamp may
// overwrite an order whose validity lower bound is existingValidFrom. Only a
// chronologically newer event passes, so out-of-order application converges
// on the state of the latest event.
func StalenessGate(existingValidFrom, txTimestamp int64) bool {
	return existingValidFrom < txTimestamp
}

// updateGate decides whether an existing order may be updated for trigger
// and returns the condition the conditional write must re-check.
func updateGate(existing *model.Order, t *Trigger, now time.Time) (store.UpdateGate, bool) {
	switch {
	case t == nil:
		return store.UpdateGate{}, false
	case t.Rollback:
		return store.UpdateGate{ForceRecheckBefore: now.Unix() + 1}, true
	case t.ForceRecheck:
		ref := now
		if t.TxTimestamp > 0 {
			ref = time.Unix(t.TxTimestamp, 0)
		}
		return store.UpdateGate{ForceRecheckBefore: ref.Add(-ForceRecheckWindow).Unix()}, true
	case t.TxTimestamp <= 0:
		return store.UpdateGate{}, false
	}
	if !StalenessGate(existing.ValidFrom, t.TxTimestamp) {
		return store.UpdateGate{}, false
	}
	return store.UpdateGate{TxTimestamp: t.TxTimestamp}, true
}
