package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrAudioTooLarge = errors.New("buffered audio exceeds limit")
)

// DefaultMaxAudioBytes is ten minutes of 16 kHz mono PCM16.
const DefaultMaxAudioBytes = 10 * 60 * 16000 * 2

// Session is the per-client conversational state. ActiveTaskID is written
// only from task queue transitions and is non-empty exactly while the
// client's task is queued or running.
type Session struct {
	ClientUID         string    `json:"client_uid"`
	ConfigName        string    `json:"config_name"`
	HistoryUID        string    `json:"history_uid"`
	ActiveTaskID      string    `json:"active_task_id"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type audioBuffer struct {
	pcm        []byte
	sampleRate int
}

type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	audio         map[string]*audioBuffer
	maxAudioBytes int
	now           func() time.Time
}

func NewStore(maxAudioBytes int) *Store {
	if maxAudioBytes <= 0 {
		maxAudioBytes = DefaultMaxAudioBytes
	}
	return &Store{
		sessions:      make(map[string]*Session),
		audio:         make(map[string]*audioBuffer),
		maxAudioBytes: maxAudioBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(clientUID, configName string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ClientUID:      clientUID,
		ConfigName:     configName,
		StartedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[clientUID]; ok {
		return nil, ErrExists
	}
	s.sessions[clientUID] = sess
	return clone(sess), nil
}

func (s *Store) Get(clientUID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientUID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

func (s *Store) Touch(clientUID string) error {
	return s.update(clientUID, func(*Session) {})
}

func (s *Store) SetHistory(clientUID, historyUID string) error {
	return s.update(clientUID, func(sess *Session) {
		sess.HistoryUID = historyUID
	})
}

// SetConfig moves the client to another configuration. The transcript is
// keyed by configuration, so the current history reference is dropped and a
// new one starts on the next turn.
func (s *Store) SetConfig(clientUID, configName string) error {
	return s.update(clientUID, func(sess *Session) {
		if sess.ConfigName != configName {
			sess.ConfigName = configName
			sess.HistoryUID = ""
		}
	})
}

// SetActiveTask records the task now holding the client's slot.
func (s *Store) SetActiveTask(clientUID, taskID string) error {
	return s.update(clientUID, func(sess *Session) {
		sess.ActiveTaskID = taskID
	})
}

// ClearActiveTask clears the slot only if it still names taskID.
func (s *Store) ClearActiveTask(clientUID, taskID string) error {
	return s.update(clientUID, func(sess *Session) {
		if sess.ActiveTaskID == taskID {
			sess.ActiveTaskID = ""
		}
	})
}

func (s *Store) RecordInterrupt(clientUID string) error {
	return s.update(clientUID, func(sess *Session) {
		sess.InterruptionCount++
	})
}

// AppendAudio adds PCM16 samples to the client's pending utterance and
// returns the buffered size.
func (s *Store) AppendAudio(clientUID string, pcm []byte, sampleRate int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[clientUID]; !ok {
		return 0, ErrNotFound
	}
	buf := s.audio[clientUID]
	if buf == nil {
		buf = &audioBuffer{sampleRate: sampleRate}
		s.audio[clientUID] = buf
	}
	if len(buf.pcm)+len(pcm) > s.maxAudioBytes {
		return len(buf.pcm), ErrAudioTooLarge
	}
	if sampleRate > 0 {
		buf.sampleRate = sampleRate
	}
	buf.pcm = append(buf.pcm, pcm...)
	return len(buf.pcm), nil
}

// TakeAudio returns and clears the buffered utterance.
func (s *Store) TakeAudio(clientUID string) ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.audio[clientUID]
	delete(s.audio, clientUID)
	if buf == nil {
		return nil, 0
	}
	return buf.pcm, buf.sampleRate
}

func (s *Store) Remove(clientUID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientUID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.sessions, clientUID)
	delete(s.audio, clientUID)
	return clone(sess), nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) update(clientUID string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientUID]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	sess.LastActivityAt = s.now()
	return nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
