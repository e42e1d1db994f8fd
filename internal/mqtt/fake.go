package mqtt

import "sync"

// FakePublisher records published statuses for test assertions.
// Safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	// Statuses contains every published snapshot.
	Statuses []Status

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// PublishError, if set, will be returned by PublishStatus.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishStatus records the snapshot.
func (f *FakePublisher) PublishStatus(s Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatStatus(s)
	if err != nil {
		return err
	}
	f.Statuses = append(f.Statuses, s)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// Last returns the most recent snapshot for a timer.
func (f *FakePublisher) Last(timerID string) (Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.Statuses) - 1; i >= 0; i-- {
		if f.Statuses[i].TimerID == timerID {
			return f.Statuses[i], true
		}
	}
	return Status{}, false
}

// Count returns the number of published snapshots.
func (f *FakePublisher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Statuses)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
