package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// subscription is the Subscription shared by the postgres and memory stores.
type subscription struct {
	table    string
	tenantID uuid.UUID
	ch       chan models.Change
	onClose  func(*subscription)

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(table string, tenantID uuid.UUID, onClose func(*subscription)) *subscription {
	return &subscription{
		table:    table,
		tenantID: tenantID,
		ch:       make(chan models.Change, subscriptionBuffer),
		onClose:  onClose,
	}
}

func (s *subscription) Changes() <-chan models.Change { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	if s.close(ErrSubscriptionClosed) && s.onClose != nil {
		s.onClose(s)
	}
}

func (s *subscription) matches(c models.Change) bool {
	return c.Table == s.table && c.TenantID == s.tenantID
}

// deliver hands c to the subscriber without blocking. A full buffer ends the
// subscription with ErrSubscriberTooSlow; it reports false when s is now closed.
func (s *subscription) deliver(c models.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- c:
		return true
	default:
		s.closed = true
		s.err = ErrSubscriberTooSlow
		close(s.ch)
		return false
	}
}

// close ends the subscription with err. It reports whether this call closed it.
func (s *subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	return true
}
