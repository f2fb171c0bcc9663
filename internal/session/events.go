package session

import "log"

// Subscribe returns a channel that first carries the current snapshot and
// then every subsequent event. A subscriber that falls behind by more than
// buffer events misses them. Call the returned func to unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.eventLocked(EventSnapshot, nil)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) publish(kind EventKind, entry *LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return
	}
	evt := m.eventLocked(kind, entry)
	for id, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[session] subscriber %d lagging; dropped %s event", id, kind)
		}
	}
}

func (m *Manager) eventLocked(kind EventKind, entry *LogEntry) Event {
	sess := m.cur
	if !sess.State.Active() && m.last.ID != "" && kind == EventTransition {
		sess = m.last
	}
	return Event{
		Kind:    kind,
		Session: sess,
		Stats:   m.stats,
		Log:     entry,
		Logs:    len(m.logs),
	}
}
