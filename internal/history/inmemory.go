package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type transcript struct {
	owner   string
	entries []Entry
	updated time.Time
}

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]*transcript
	now         func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		transcripts: make(map[string]*transcript),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Create(_ context.Context, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := uuid.NewString()
	s.transcripts[uid] = &transcript{owner: owner, updated: s.now()}
	return uid, nil
}

func (s *InMemoryStore) Append(_ context.Context, owner, historyUID, role, content string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(owner, historyUID)
	if err != nil {
		return Entry{}, err
	}
	e := newEntry(uuid.NewString(), historyUID, role, content, s.now())
	tr.entries = append(tr.entries, e)
	tr.updated = e.CreatedAt
	return e, nil
}

func (s *InMemoryStore) Recent(_ context.Context, owner, historyUID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, err := s.lookup(owner, historyUID)
	if err != nil {
		return nil, err
	}
	arr := tr.entries
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, owner string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Info
	for uid, tr := range s.transcripts {
		if tr.owner != owner {
			continue
		}
		info := Info{UID: uid, UpdatedAt: tr.updated}
		if n := len(tr.entries); n > 0 {
			info.Latest = tr.entries[n-1].Content
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, owner, historyUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(owner, historyUID); err != nil {
		return err
	}
	delete(s.transcripts, historyUID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) lookup(owner, historyUID string) (*transcript, error) {
	tr, ok := s.transcripts[historyUID]
	if !ok || tr.owner != owner {
		return nil, ErrNotFound
	}
	return tr, nil
}
