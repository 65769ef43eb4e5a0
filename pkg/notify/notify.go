// Package notify delivers tamper notifications to registered receivers.
package notify

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Callback receives one tamper notification: the region identifier
// followed by a human-readable description of what was detected.
type Callback func(regionID, details string)

// Notifier fans tamper notifications out to a single replaceable
// callback plus any number of added listeners. Delivery is synchronous
// on the notifying goroutine; receivers that need to do slow work should
// hand it off themselves.
type Notifier struct {
	logger log.Logger

	mu        sync.Mutex
	callback  Callback
	nextID    int
	listeners []registration
}

type registration struct {
	id int
	fn Callback
}

// New returns a Notifier with no receivers registered.
func New(logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Notifier{logger: logger, nextID: 1}
}

// SetCallback replaces the primary callback slot. Passing nil clears it.
func (n *Notifier) SetCallback(cb Callback) {
	n.mu.Lock()
	n.callback = cb
	n.mu.Unlock()
}

// AddListener registers an additional receiver and returns a handle for
// RemoveListener. A nil receiver is ignored and yields handle 0.
func (n *Notifier) AddListener(cb Callback) int {
	if cb == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners = append(n.listeners, registration{id: id, fn: cb})
	return id
}

// RemoveListener drops the receiver registered under id. Unknown handles
// are ignored.
func (n *Notifier) RemoveListener(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, reg := range n.listeners {
		if reg.id == id {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

// Receivers reports how many receivers are currently registered,
// counting the callback slot when set.
func (n *Notifier) Receivers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := len(n.listeners)
	if n.callback != nil {
		c++
	}
	return c
}

// Notify delivers one notification to every registered receiver, the
// callback slot first and then listeners in registration order. When no
// receiver is registered the notification is dropped and logged so the
// event is not silently lost.
func (n *Notifier) Notify(regionID, details string) {
	n.mu.Lock()
	cb := n.callback
	receivers := make([]Callback, 0, len(n.listeners))
	for _, reg := range n.listeners {
		receivers = append(receivers, reg.fn)
	}
	n.mu.Unlock()

	if cb == nil && len(receivers) == 0 {
		level.Warn(n.logger).Log("msg", "tamper notification dropped, no receivers registered", "region", regionID, "details", details)
		return
	}
	if cb != nil {
		cb(regionID, details)
	}
	for _, fn := range receivers {
		fn(regionID, details)
	}
}
