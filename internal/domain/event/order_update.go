package event

import "fmt"

type TriggerKind string

const (
	TriggerNewOrder TriggerKind = "new-order"
	TriggerReprice  TriggerKind = "reprice"
)

// OrderUpdate is published for every successful insert or reprice.
type OrderUpdate struct {
	Context     string      `json:"context"`
	OrderID     string      `json:"id"`
	Trigger     TriggerKind `json:"kind"`
	TxHash      string      `json:"txHash,omitempty"`
	TxTimestamp int64       `json:"txTimestamp,omitempty"`
}

// UpdateContext is the dedupe key of an update: the same trigger for the same
// order and transaction collapses to one notification downstream.
func UpdateContext(trigger TriggerKind, orderID, txHash string) string {
	return fmt.Sprintf("%s-%s-%s", trigger, orderID, txHash)
}
