package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/provider"
)

// Store persists sessions as one JSON file each under a base directory.
// Writes for a given session are serialized by a per-session mutex and
// flushed with write-to-temp + fsync + rename.
type Store struct {
	dir    string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewStore creates a session store rooted at dir, creating it if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.IO("creating session directory", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "session-store")),
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

// lockFor returns the mutex guarding one session's file.
func (s *Store) lockFor(id string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// CreateOptions carries the optional metadata for a new session.
type CreateOptions struct {
	Name     string
	WorkDir  string
	Provider provider.Provider
	Modes    Modes
}

// Create persists a new empty session and returns it.
func (s *Store) Create(opts CreateOptions) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		CreatedAt: now,
		UpdatedAt: now,
		WorkDir:   opts.WorkDir,
		Provider:  opts.Provider,
		Modes:     opts.Modes,
		Messages:  []Message{},
		Agents:    []PersistedAgent{},
	}
	if sess.Name == "" {
		sess.Name = "session-" + now.Format("20060102-150405")
	}
	if sess.Provider == "" {
		sess.Provider = provider.Claude
	}

	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", zap.String("session_id", sess.ID), zap.String("name", sess.Name))
	return sess, nil
}

// Get loads the full session.
func (s *Store) Get(id string) (*Session, error) {
	lock := s.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()
	return s.load(id)
}

// ListOptions controls the List projection.
type ListOptions struct {
	Sort   string // "updated" (default) or "name"
	Limit  int
	Offset int
}

// List returns metadata projections without message bodies.
func (s *Store) List(opts ListOptions) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.IO("listing session directory", err)
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		sess, err := s.Get(id)
		if err != nil {
			// Skip files that fail to load; a half-written temp never has
			// the .json suffix so this indicates external corruption.
			s.logger.Warn("skipping unreadable session file", zap.String("file", name), zap.Error(err))
			continue
		}
		metas = append(metas, sess.meta())
	}

	switch opts.Sort {
	case "name":
		sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	default:
		sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt.After(metas[j].UpdatedAt) })
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(metas) {
			return []Meta{}, nil
		}
		metas = metas[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(metas) {
		metas = metas[:opts.Limit]
	}
	return metas, nil
}

// AppendMessage durably appends a message and returns the new message count.
// The message id and timestamp are filled in when absent.
func (s *Store) AppendMessage(id string, msg Message) (int, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return 0, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now().UTC()

	if err := s.persist(sess); err != nil {
		return 0, err
	}
	return len(sess.Messages), nil
}

// AppendAgent upserts a persisted sub-agent record by agent id.
// Status only advances; a stale transition is ignored.
func (s *Store) AppendAgent(id string, agent PersistedAgent) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return err
	}

	if len(agent.Result) > maxAgentResultBytes {
		agent.Result = agent.Result[:maxAgentResultBytes]
	}

	found := false
	for i := range sess.Agents {
		if sess.Agents[i].ID != agent.ID {
			continue
		}
		found = true
		if agent.Status.rank() < sess.Agents[i].Status.rank() {
			return nil
		}
		sess.Agents[i] = agent
		break
	}
	if !found {
		sess.Agents = append(sess.Agents, agent)
	}

	sess.UpdatedAt = time.Now().UTC()
	return s.persist(sess)
}

// Update patches mutable session fields (name only).
func (s *Store) Update(id, name string) (*Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		sess.Name = name
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes the session from the store.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("session", id)
		}
		return apperrors.IO("deleting session", err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// Export returns the canonical JSON dump of a session.
func (s *Store) Export(id string) ([]byte, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, apperrors.IO("encoding session", err)
	}
	return data, nil
}

// Import creates a new session from an exported dump. The imported session
// gets a fresh id and fresh created/updated timestamps; everything else
// round-trips unchanged.
func (s *Store) Import(dump []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(dump, &sess); err != nil {
		return nil, apperrors.Validation("dump", "not a valid session document: "+err.Error())
	}
	if !sess.Provider.Valid() {
		return nil, apperrors.Validation("provider", "must be one of: claude, codex, gemini")
	}

	now := time.Now().UTC()
	sess.ID = uuid.New().String()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	if sess.Agents == nil {
		sess.Agents = []PersistedAgent{}
	}

	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.persist(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// load reads a session document. Callers hold the session lock.
func (s *Store) load(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.IO("reading session", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperrors.IO("decoding session", err)
	}
	return &sess, nil
}

// persist writes the session atomically: temp file in the same directory,
// fsync, then rename over the target. Callers hold the session lock.
func (s *Store) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperrors.IO("encoding session", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+"-*.tmp")
	if err != nil {
		return apperrors.IO("creating temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.IO("writing session", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.IO("syncing session", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.IO("closing temp file", err)
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		return apperrors.IO("replacing session file", err)
	}
	return nil
}
