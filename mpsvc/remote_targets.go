package mpsvc

import "sync"

// remoteCopyBufferSize bounds how many pids one copyFrom call drains at a
// time, mirroring the original binding's fixed std::array<pid_t, 20> scratch
// buffer for copying node identifiers out of a live registration table.
const remoteCopyBufferSize = 20

// remoteTargets is the bounded pid set one event's cross-process
// registrations populate: every pid that has told this process (over the
// message-passing wire) it wants to be notified when the event fires,
// because the event's provider lives here but the registrant does not.
type remoteTargets struct {
	mu   sync.Mutex
	pids []int32
}

func (t *remoteTargets) add(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pids {
		if p == pid {
			return
		}
	}
	t.pids = append(t.pids, pid)
}

func (t *remoteTargets) remove(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pids {
		if p == pid {
			t.pids = append(t.pids[:i], t.pids[i+1:]...)
			return
		}
	}
}

// copyFrom fills buf (capped at remoteCopyBufferSize) starting at resume
// cursor from, returning how many pids were copied and whether more remain
// beyond what fit. Grounded on node_identifier_copier.h's
// CopyNodeIdentifiers: callers loop, each time resuming from where the
// previous call left off, instead of taking an unbounded snapshot under
// lock.
func (t *remoteTargets) copyFrom(buf []int32, from int) (n int, more bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if from >= len(t.pids) {
		return 0, false
	}
	n = copy(buf, t.pids[from:])
	more = from+n < len(t.pids)
	return n, more
}

// forEach drives copyFrom to completion, invoking fn once per pid, without
// ever holding the set's lock across fn or snapshotting it all in one shot.
func (t *remoteTargets) forEach(fn func(pid int32)) {
	var buf [remoteCopyBufferSize]int32
	cursor := 0
	for {
		n, more := t.copyFrom(buf[:], cursor)
		for i := 0; i < n; i++ {
			fn(buf[i])
		}
		cursor += n
		if !more {
			return
		}
	}
}
