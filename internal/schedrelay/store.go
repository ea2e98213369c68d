package schedrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scope names a tenant's fixed sync windows.
type Scope string

const (
	ScopeThisMonth Scope = "thisMonth"
	ScopeLastMonth Scope = "lastMonth"
	ScopeNextMonth Scope = "nextMonth"
	ScopeArchive   Scope = "archive"
)

// MonthScopes are the scopes an "all" sync runs, in order.
var MonthScopes = []Scope{ScopeThisMonth, ScopeLastMonth, ScopeNextMonth}

func ParseScope(raw string) (Scope, bool) {
	switch Scope(strings.TrimSpace(raw)) {
	case ScopeThisMonth:
		return ScopeThisMonth, true
	case ScopeLastMonth:
		return ScopeLastMonth, true
	case ScopeNextMonth:
		return ScopeNextMonth, true
	case ScopeArchive:
		return ScopeArchive, true
	default:
		return "", false
	}
}

// TenantConfig is one tenant's sync configuration. The core only reads it;
// mutation happens through the admin surface.
type TenantConfig struct {
	CommandChannelID string           `json:"commandChannelId" yaml:"commandChannelId"`
	Threads          map[Scope]string `json:"threads" yaml:"threads"`
	DatabaseID       string           `json:"databaseId" yaml:"databaseId"`
	Timezone         string           `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// ThreadFor returns the destination thread bound to scope, or "" when the
// scope is unconfigured.
func (c *TenantConfig) ThreadFor(scope Scope) string {
	if c == nil || c.Threads == nil {
		return ""
	}
	return strings.TrimSpace(c.Threads[scope])
}

// Validate checks the precondition for running a sync of scope: the
// database id must be set and the scope must map to a thread.
func (c *TenantConfig) Validate(scope Scope) error {
	if c == nil {
		return fmt.Errorf("%w: no configuration", ErrConfigIncomplete)
	}
	if strings.TrimSpace(c.DatabaseID) == "" {
		return fmt.Errorf("%w: source database id is not set", ErrConfigIncomplete)
	}
	if c.ThreadFor(scope) == "" {
		return fmt.Errorf("%w: no thread configured for scope %s", ErrConfigIncomplete, scope)
	}
	return nil
}

// MessageBinding records the single destination message owned for one
// (tenant, scope) pair.
type MessageBinding struct {
	MessageID string `json:"messageId" yaml:"messageId"`
}

// BindingKey deterministically combines tenant and scope so distinct
// scopes never collide.
func BindingKey(tenantID string, scope Scope) string {
	return tenantID + ":" + string(scope)
}

// DocumentBackend persists one whole mapping document. Load reports
// (false, nil) when no document exists yet. Implementations are not
// atomic across processes; stores serialize their own callers.
type DocumentBackend interface {
	Load(doc any) (bool, error)
	Save(doc any) error
}

type backendCloser interface {
	Close() error
}

// FileDocumentBackend stores the document as JSON, or YAML when the path
// carries a .yaml/.yml extension. Saves go through a temp file + rename.
type FileDocumentBackend struct {
	Path string
}

func NewFileDocumentBackend(path string) *FileDocumentBackend {
	return &FileDocumentBackend{Path: strings.TrimSpace(path)}
}

func (b *FileDocumentBackend) yamlMode() bool {
	ext := strings.ToLower(filepath.Ext(b.Path))
	return ext == ".yaml" || ext == ".yml"
}

func (b *FileDocumentBackend) Load(doc any) (bool, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return false, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if b.yamlMode() {
		if err := yaml.Unmarshal(data, doc); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileDocumentBackend) Save(doc any) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || doc == nil {
		return nil
	}
	var data []byte
	var err error
	if b.yamlMode() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryDocumentBackend keeps the serialized document in memory, for
// tests and the memory:// profile.
type InMemoryDocumentBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryDocumentBackend() *InMemoryDocumentBackend {
	return &InMemoryDocumentBackend{}
}

func (b *InMemoryDocumentBackend) Load(doc any) (bool, error) {
	if b == nil {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return false, nil
	}
	if err := json.Unmarshal(b.data, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (b *InMemoryDocumentBackend) Save(doc any) error {
	if b == nil || doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	return nil
}

// ConfigStore holds the tenant id → TenantConfig mapping. Every call is a
// full read-modify-write of the backing document.
type ConfigStore struct {
	mu      sync.Mutex
	backend DocumentBackend
}

func NewConfigStore(backend DocumentBackend) *ConfigStore {
	if backend == nil {
		backend = NewInMemoryDocumentBackend()
	}
	return &ConfigStore{backend: backend}
}

func (s *ConfigStore) load() (map[string]*TenantConfig, error) {
	doc := map[string]*TenantConfig{}
	if _, err := s.backend.Load(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]*TenantConfig{}
	}
	return doc, nil
}

func (s *ConfigStore) Get(tenantID string) (*TenantConfig, bool, error) {
	if s == nil {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	cfg, ok := doc[tenantID]
	return cfg, ok, nil
}

func (s *ConfigStore) Put(tenantID string, cfg *TenantConfig) error {
	if s == nil || strings.TrimSpace(tenantID) == "" || cfg == nil {
		return ErrInvalidInput
	}
	if err := ValidateTenantConfigDocument(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[tenantID] = cfg
	return s.backend.Save(doc)
}

// TenantIDs lists all configured tenants, for the scheduled refresh.
func (s *ConfigStore) TenantIDs() ([]string, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *ConfigStore) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

// BindingStore holds the "<tenant>:<scope>" → MessageBinding mapping.
// Bindings are created on first publish and repaired lazily; the core
// never deletes them.
type BindingStore struct {
	mu      sync.Mutex
	backend DocumentBackend
}

func NewBindingStore(backend DocumentBackend) *BindingStore {
	if backend == nil {
		backend = NewInMemoryDocumentBackend()
	}
	return &BindingStore{backend: backend}
}

func (s *BindingStore) load() (map[string]MessageBinding, error) {
	doc := map[string]MessageBinding{}
	if _, err := s.backend.Load(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]MessageBinding{}
	}
	return doc, nil
}

func (s *BindingStore) Get(key string) (MessageBinding, bool, error) {
	if s == nil {
		return MessageBinding{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return MessageBinding{}, false, err
	}
	binding, ok := doc[key]
	return binding, ok, nil
}

func (s *BindingStore) Put(key string, binding MessageBinding) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[key] = binding
	return s.backend.Save(doc)
}

// All returns a copy of the whole mapping, for the debug endpoint.
func (s *BindingStore) All() (map[string]MessageBinding, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *BindingStore) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}
