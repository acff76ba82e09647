package inventory

import "iter"

// Replay folds events into the balance of loc: +quantity when loc is the
// target, -quantity when it is the source. Events must already be filtered to
// one tenant and item.
func Replay(events iter.Seq2[MovementRecord, error], loc Location) (int64, error) {
	var balance int64
	for rec, err := range events {
		if err != nil {
			return 0, err
		}
		if rec.Target != nil && *rec.Target == loc {
			balance += rec.Quantity
		}
		if rec.Source != nil && *rec.Source == loc {
			balance -= rec.Quantity
		}
	}
	return balance, nil
}
