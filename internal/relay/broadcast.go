package relay

// DeliveryError records a failed enqueue for one recipient.
type DeliveryError struct {
	Peer ID
	Err  error
}

// BroadcastResult summarizes one fan-out.
type BroadcastResult struct {
	// Recipients is the size of the snapshot taken before delivery.
	Recipients int
	Delivered  int
	// Skipped counts recipients that left after the snapshot, or the sender
	// itself when self echo is off.
	Skipped int
	Failed  []DeliveryError
}

// Broadcast enqueues msg on every registered peer. The identity set is
// snapshotted first and each recipient is then looked up again on its own,
// so peers leaving mid-broadcast are skipped silently. A failure for one
// recipient never stops delivery to the others and never deregisters it.
func (r *Registry) Broadcast(msg Message, selfEcho bool) BroadcastResult {
	ids := r.Snapshot()
	res := BroadcastResult{Recipients: len(ids)}
	for _, id := range ids {
		if !selfEcho && id == msg.Sender {
			res.Skipped++
			continue
		}
		found, err := r.Deliver(id, msg)
		switch {
		case !found:
			res.Skipped++
		case err != nil:
			res.Failed = append(res.Failed, DeliveryError{Peer: id, Err: err})
		default:
			res.Delivered++
		}
	}
	return res
}
