package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/waypost-io/waypost/pkg/models"
)

// Identity field keys in the key-value persistence surface.
const (
	keyVisitorID  = "visitor_id"
	keyNickname   = "nickname"
	keyJoinedChat = "joined_chat"
	keyDroppedPin = "dropped_pin"
)

// KV is the persistence surface for identity fields. Each field is
// independently settable and loaded once at startup.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// FileKV is a JSON-file-backed KV with synchronous write-through, so a
// reload or reconnect recovers an identical identity.
type FileKV struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

// DefaultIdentityPath returns the per-user identity file location.
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "waypost", "identity.json"), nil
}

// NewFileKV opens (or lazily creates) the KV file at path.
func NewFileKV(path string) (*FileKV, error) {
	kv := &FileKV{path: path, values: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	if err := json.Unmarshal(raw, &kv.values); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return kv, nil
}

func (kv *FileKV) Get(key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	return v, ok, nil
}

func (kv *FileKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value

	if err := os.MkdirAll(filepath.Dir(kv.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	raw, err := json.MarshalIndent(kv.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(kv.path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// IdentityStore holds the durable anonymous identity. When the backing KV
// fails the store degrades to session-only identity rather than failing the
// caller; a restart then simply mints a fresh identity.
type IdentityStore struct {
	kv  KV
	log *slog.Logger

	mu       sync.Mutex
	identity models.VisitorIdentity
}

// NewIdentityStore loads the persisted identity, if any.
func NewIdentityStore(kv KV, log *slog.Logger) *IdentityStore {
	if log == nil {
		log = slog.Default()
	}
	s := &IdentityStore{kv: kv, log: log}
	if kv == nil {
		return s
	}

	load := func(key string) string {
		v, _, err := kv.Get(key)
		if err != nil {
			s.log.Warn("identity load failed, continuing session-only", "key", key, "error", err)
		}
		return v
	}
	s.identity = models.VisitorIdentity{
		VisitorID:  load(keyVisitorID),
		Nickname:   load(keyNickname),
		JoinedChat: load(keyJoinedChat) == "true",
		DroppedPin: load(keyDroppedPin) == "true",
	}
	return s
}

// Identity returns a copy of the current identity.
func (s *IdentityStore) Identity() models.VisitorIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// EnsureVisitorID returns the stable id, minting one on first use.
// Idempotent and side-effect-free on repeat calls.
func (s *IdentityStore) EnsureVisitorID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.VisitorID != "" {
		return s.identity.VisitorID, nil
	}

	id, err := models.NewVisitorID()
	if err != nil {
		return "", fmt.Errorf("mint visitor id: %w", err)
	}
	s.identity.VisitorID = id
	s.persist(keyVisitorID, id)
	return id, nil
}

// SetNickname updates the display name.
func (s *IdentityStore) SetNickname(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.Nickname = name
	s.persist(keyNickname, name)
}

// MarkJoinedChat records that the user completed the join-chat step.
func (s *IdentityStore) MarkJoinedChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.JoinedChat = true
	s.persist(keyJoinedChat, "true")
}

// MarkDroppedPin records that this identity has published coordinates.
func (s *IdentityStore) MarkDroppedPin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.DroppedPin = true
	s.persist(keyDroppedPin, "true")
}

func (s *IdentityStore) persist(key, value string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Set(key, value); err != nil {
		s.log.Warn("identity persist failed, continuing session-only", "key", key, "error", err)
	}
}
