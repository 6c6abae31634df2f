package conversation

import (
	"time"

	"chatpipe/internal/message"
	"chatpipe/internal/metrics"
)

// reconcileLocked applies a pushed row to the list and returns the path taken.
//
// Rules, in order:
//  1. a row whose durable id is already listed is a duplicate delivery;
//  2. a row carrying a client key replaces the local entry with that key;
//  3. otherwise the row replaces the oldest sending entry with the same
//     sender, kind and content created within the match tolerance;
//  4. anything else is a new message, inserted by creation time.
func (e *Engine) reconcileLocked(remote message.Message) string {
	if indexOf(e.list, remote.ID) >= 0 {
		return metrics.PathDuplicate
	}

	path := metrics.PathClientKey
	idx := e.matchClientKey(remote)
	if idx < 0 {
		path = metrics.PathHeuristic
		idx = e.matchHeuristic(remote)
	}

	if idx >= 0 {
		local := e.list[idx]
		confirmed := message.Confirmed(remote)
		confirmed.CreatedAt = local.CreatedAt
		e.list[idx] = confirmed
		e.version++
		if local.IsFailed() && !e.closed {
			e.bg.Add(1)
			go func() {
				defer e.bg.Done()
				e.forget(local.ID)
			}()
		}
		return path
	}

	e.list = insertSorted(e.list, message.FromBackend(remote))
	e.version++
	return metrics.PathAppended
}

// matchClientKey finds the unconfirmed local entry sent with the row's client
// key. A failed entry matches too: its insert reached the backend after all.
func (e *Engine) matchClientKey(remote message.Message) int {
	if remote.ClientKey == "" {
		return -1
	}
	for i, m := range e.list {
		if !m.HasTempID() || m.ClientKey != remote.ClientKey {
			continue
		}
		if m.Status == message.StatusSending || m.Status == message.StatusFailed {
			return i
		}
	}
	return -1
}

// matchHeuristic finds a sending entry that looks like the same send. Two
// identical messages sent within the tolerance can be merged by mistake; the
// client key avoids this when the backend echoes it.
func (e *Engine) matchHeuristic(remote message.Message) int {
	for i, m := range e.list {
		if m.Status != message.StatusSending || !m.HasTempID() {
			continue
		}
		if remote.ClientKey != "" && m.ClientKey != "" && remote.ClientKey != m.ClientKey {
			continue
		}
		if m.SenderID != remote.SenderID || m.ConversationID != remote.ConversationID || m.Kind != remote.Kind {
			continue
		}
		if m.Kind == message.KindText && message.NormalizeContent(m.Content) != message.NormalizeContent(remote.Content) {
			continue
		}
		if !withinTolerance(m, remote, e.opts.MatchTolerance) {
			continue
		}
		return i
	}
	return -1
}

func withinTolerance(a, b message.Message, tol time.Duration) bool {
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func indexOf(list []message.Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// insertSorted inserts m after every entry created at or before it.
func insertSorted(list []message.Message, m message.Message) []message.Message {
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	list = append(list, message.Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

func removeAt(list []message.Message, i int) []message.Message {
	return append(list[:i:i], list[i+1:]...)
}
