package app

import (
	"context"
	"sync"
	"time"

	"optout_sync/internal/domain/optout"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newTestLogger() (*logrus.Entry, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log), hook
}

func hasLogEntry(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

// fakeSource filters its rows by the window the way the SQL reader does.
type fakeSource struct {
	mu      sync.Mutex
	rows    []optout.SourceRecord
	err     error
	calls   int
	windows []int
	block   chan struct{} // If set, FetchChanged waits on it or ctx
}

func (s *fakeSource) FetchChanged(ctx context.Context, windowMinutes int) ([]optout.SourceRecord, error) {
	s.mu.Lock()
	s.calls++
	s.windows = append(s.windows, windowMinutes)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	w := optout.Window{Minutes: windowMinutes}
	out := make([]optout.SourceRecord, 0, len(s.rows))
	for _, r := range s.rows {
		if !r.Deleted && w.Contains(r.ModifiedAt, fixedNow) {
			out = append(out, r)
		}
	}
	return out, nil
}

type putCall struct {
	Entry optout.Entry
}

// fakeStore is a concurrency-safe in-memory KeyValueStore.
type fakeStore struct {
	mu      sync.Mutex
	entries map[optout.Key]optout.Entry

	existsCalls int
	puts        []putCall

	existsErr map[string]error // By sort key
	putErr    map[string]error // By sort key
	// existsHook runs inside Exists before the lookup, outside the lock.
	existsHook func(ctx context.Context, sortKey string) error
	// putHook runs inside PutIfAbsent before the write, outside the lock.
	putHook func(ctx context.Context, entry optout.Entry) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:   make(map[optout.Key]optout.Entry),
		existsErr: make(map[string]error),
		putErr:    make(map[string]error),
	}
}

func (s *fakeStore) Exists(ctx context.Context, partitionKey, sortKey string) (bool, error) {
	if s.existsHook != nil {
		if err := s.existsHook(ctx, sortKey); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if err := s.existsErr[sortKey]; err != nil {
		return false, err
	}
	_, ok := s.entries[optout.Key{PartitionKey: partitionKey, SortKey: sortKey}]
	return ok, nil
}

func (s *fakeStore) PutIfAbsent(ctx context.Context, entry optout.Entry) error {
	if s.putHook != nil {
		if err := s.putHook(ctx, entry); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, putCall{Entry: entry})
	if err := s.putErr[entry.Key.SortKey]; err != nil {
		return err
	}
	if _, ok := s.entries[entry.Key]; ok {
		return optout.ErrEntryExists
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *fakeStore) seed(entry optout.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *fakeStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeAlerts struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (a *fakeAlerts) SendAlert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return a.err
}

type fakeLock struct {
	acquire    bool
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) {
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.acquire {
		l.acquired++
	}
	return l.acquire, nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released++
	return nil
}
