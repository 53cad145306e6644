package network

import "github.com/xiaonanln/netfabric/core"

type eventState int

const (
	stateNone eventState = iota
	stateAdded
	stateUpdated
	stateDeleted
)

type eventBatch struct {
	ev    core.ContainerEvent
	state map[core.ContainerUUID]eventState
	idx   map[core.ContainerUUID]int
}

func newEventBatch() *eventBatch {
	return &eventBatch{
		state: make(map[core.ContainerUUID]eventState),
		idx:   make(map[core.ContainerUUID]int),
	}
}

// eventQueue coalesces registry changes between flushes. Within one batch an
// update after an add folds into the add, and nothing after a delete is kept
// except a re-add, which starts a new batch so subscribers see the delete first.
type eventQueue struct {
	sealed []core.ContainerEvent
	cur    *eventBatch
}

func (q *eventQueue) batch() *eventBatch {
	if q.cur == nil {
		q.cur = newEventBatch()
	}
	return q.cur
}

func (q *eventQueue) seal() {
	if q.cur != nil && !q.cur.ev.Empty() {
		q.sealed = append(q.sealed, q.cur.ev)
	}
	q.cur = nil
}

func (q *eventQueue) added(rec core.ContainerRecord) {
	b := q.batch()
	switch b.state[rec.UUID] {
	case stateAdded:
		b.ev.Added[b.idx[rec.UUID]] = rec
		return
	case stateUpdated:
		b.ev.Updated[b.idx[rec.UUID]] = rec
		return
	case stateDeleted:
		q.seal()
		b = q.batch()
	}
	b.idx[rec.UUID] = len(b.ev.Added)
	b.state[rec.UUID] = stateAdded
	b.ev.Added = append(b.ev.Added, rec)
}

func (q *eventQueue) updated(rec core.ContainerRecord) {
	b := q.batch()
	switch b.state[rec.UUID] {
	case stateAdded:
		b.ev.Added[b.idx[rec.UUID]] = rec
	case stateUpdated:
		b.ev.Updated[b.idx[rec.UUID]] = rec
	case stateDeleted:
	default:
		b.idx[rec.UUID] = len(b.ev.Updated)
		b.state[rec.UUID] = stateUpdated
		b.ev.Updated = append(b.ev.Updated, rec)
	}
}

func (q *eventQueue) deleted(rec core.ContainerRecord) {
	b := q.batch()
	if b.state[rec.UUID] == stateDeleted {
		return
	}
	b.state[rec.UUID] = stateDeleted
	b.ev.Deleted = append(b.ev.Deleted, rec)
}

// drain returns the pending events in order and empties the queue.
func (q *eventQueue) drain() []core.ContainerEvent {
	q.seal()
	out := q.sealed
	q.sealed = nil
	return out
}
