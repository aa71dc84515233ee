package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// timeoutError mimics the net.Error a real socket returns past its deadline.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// fakeTransport records writes. It can fail every write or block each write
// for a while, honouring the write deadline like a socket would.
type fakeTransport struct {
	mu         sync.Mutex
	writes     [][]byte
	closeCodes []int
	closed     int
	deadline   time.Time
	fail       error
	block      time.Duration
	pings      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	fail, block, deadline := f.fail, f.block, f.deadline
	f.mu.Unlock()

	if fail != nil {
		return fail
	}
	if block > 0 {
		wait := block
		if !deadline.IsZero() {
			if untilDeadline := time.Until(deadline); untilDeadline < wait {
				time.Sleep(untilDeadline)
				return timeoutError{}
			}
		}
		time.Sleep(wait)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if len(data) >= 2 {
		f.closeCodes = append(f.closeCodes, int(data[0])<<8|int(data[1]))
	} else {
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeTransport) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) CloseCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

// memStore is an in-memory Store that can be told to fail.
type memStore struct {
	mu       sync.Mutex
	counters map[string]int64
	triggers []TriggerRecord
	fail     bool
}

var errStoreDown = errors.New("store down")

func newMemStore() *memStore {
	return &memStore{counters: make(map[string]int64)}
}

func (m *memStore) LoadCounter(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errStoreDown
	}
	return m.counters[name], nil
}

func (m *memStore) SaveCounter(ctx context.Context, name string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.counters[name] = value
	return nil
}

func (m *memStore) RecordTrigger(ctx context.Context, rec TriggerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	rec.ID = int64(len(m.triggers) + 1)
	m.triggers = append(m.triggers, rec)
	return nil
}

func (m *memStore) RecentTriggers(ctx context.Context, limit int) ([]TriggerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	var out []TriggerRecord
	for i := len(m.triggers) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.triggers[i])
	}
	return out, nil
}

func (m *memStore) Triggers() []TriggerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TriggerRecord(nil), m.triggers...)
}

// waitFor polls cond until it is true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
