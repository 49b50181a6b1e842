package msgsync

import "sort"

// Merge returns a new snapshot with incoming merged into existing.
//
// Matching is by server id only, never by content: re-merging an
// already-known message is a no-op apart from status promotion, so duplicate
// delivery (a channel event arriving after catch-up already inserted the
// same message) is idempotent. Unknown messages are inserted in order.
func Merge(existing []Message, incoming Message) []Message {
	if incoming.ID != "" {
		for i, m := range existing {
			if m.ID == incoming.ID {
				out := make([]Message, len(existing))
				copy(out, existing)
				out[i] = reconcile(m, incoming)
				sortMessages(out)
				return out
			}
		}
	}
	out := make([]Message, 0, len(existing)+1)
	out = append(out, existing...)
	out = append(out, incoming)
	sortMessages(out)
	return out
}

// reconcile folds a newly-arrived copy of a known message into the current
// record. The server's view of the content and timestamp wins; the status
// only ever moves forward.
func reconcile(curr, next Message) Message {
	merged := curr
	if next.Body != "" {
		merged.Body = next.Body
	}
	if !next.CreatedAt.IsZero() {
		merged.CreatedAt = next.CreatedAt
	}
	if next.SenderID != "" {
		merged.SenderID = next.SenderID
	}
	merged.Status = promote(curr.Status, next.Status)
	return merged
}

// promote returns the more advanced of two statuses. A Failed local entry is
// revived by any server-confirmed copy: the write did land.
func promote(curr, next Status) Status {
	if curr == StatusFailed {
		return next
	}
	if next == StatusFailed {
		return curr
	}
	if next > curr {
		return next
	}
	return curr
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return less(msgs[i], msgs[j]) })
}
