package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/memory"
	"github.com/felixgeelhaar/rewind/internal/observe"
)

const (
	FileName      = "registry.json"
	SchemaVersion = 1
	DefaultName   = "Default"
)

// Entry describes one registered store. Location is relative to the registry
// root unless absolute.
type Entry struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Location       string    `json:"location"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

type registryFile struct {
	Stores   []Entry `json:"stores"`
	ActiveID string  `json:"activeId"`
	Version  int     `json:"version"`
}

func (f registryFile) clone() registryFile {
	f.Stores = append([]Entry(nil), f.Stores...)
	return f
}

func (f registryFile) index(id string) int {
	for i, e := range f.Stores {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Options configures a Manager.
type Options struct {
	// Store is applied to every store the manager opens. Its ID is set per store.
	Store    memory.Options
	Observer *observe.Observer
	Bus      *events.Bus
	Clock    func() time.Time
}

// Manager keeps the registry of named stores and which one is active. It
// opens stores lazily and caches one instance per id. Worker lifecycles
// belong to the caller.
type Manager struct {
	root string
	opts Options
	obs  *observe.Observer

	mu     sync.Mutex
	reg    registryFile
	ready  bool
	stores map[string]*memory.Store
}

// NewManager returns a Manager rooted at root. Call Initialize before use.
func NewManager(root string, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Store.Observer == nil {
		opts.Store.Observer = opts.Observer
	}
	if opts.Store.Bus == nil {
		opts.Store.Bus = opts.Bus
	}
	return &Manager{
		root:   root,
		opts:   opts,
		obs:    observe.OrNop(opts.Observer),
		stores: make(map[string]*memory.Store),
	}
}

// Root returns the directory holding the registry and its stores.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) path() string {
	return filepath.Join(m.root, FileName)
}

func (m *Manager) location(e Entry) string {
	if filepath.IsAbs(e.Location) {
		return e.Location
	}
	return filepath.Join(m.root, e.Location)
}

// Initialize loads the registry. A missing registry gets one default store.
// Entries whose store file has disappeared are pruned, and the active id is
// repaired if it no longer points at an entry.
func (m *Manager) Initialize(ctx context.Context) (err error) {
	const op = "registry.initialize"
	ctx, span := m.obs.StartSpan(ctx, op)
	defer func() { m.obs.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}

	if _, err := memory.RemoveStaleTemps(m.path()); err != nil {
		m.obs.Log().Warn().Err(err).Msg("failed to scan registry temp files")
	}

	data, err := os.ReadFile(m.path()) // #nosec G304
	dirty := false
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.reg = registryFile{Version: SchemaVersion}
		dirty = true
	case err != nil:
		return memory.NewIOError(op, "read registry", err)
	default:
		if err := json.Unmarshal(data, &m.reg); err != nil {
			return memory.NewIOError(op, "corrupt registry", err)
		}
		if m.reg.Version > SchemaVersion {
			return memory.NewIOError(op, fmt.Sprintf("unsupported registry version %d", m.reg.Version), nil)
		}
	}

	kept := m.reg.Stores[:0]
	for _, e := range m.reg.Stores {
		if _, err := os.Stat(filepath.Join(m.location(e), memory.FileName)); err != nil {
			m.obs.Log().Warn().Str("store", e.ID).Str("name", e.Name).Msg("pruning store with missing data")
			dirty = true
			continue
		}
		kept = append(kept, e)
	}
	m.reg.Stores = kept

	if len(m.reg.Stores) == 0 {
		e, _, err := m.createLocked(ctx, DefaultName)
		if err != nil {
			return err
		}
		m.reg.Stores = append(m.reg.Stores, e)
		dirty = true
	}
	if m.reg.index(m.reg.ActiveID) < 0 {
		m.reg.ActiveID = m.mostRecentLocked("")
		dirty = true
	}
	m.reg.Version = SchemaVersion

	if dirty {
		if err := m.persistLocked(); err != nil {
			return err
		}
	}
	m.ready = true
	m.obs.Log().Info().Int("stores", len(m.reg.Stores)).Str("active", m.reg.ActiveID).Msg("registry loaded")
	return nil
}

func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.reg, "", "  ")
	if err != nil {
		return memory.NewIOError("registry.persist", "encode registry", err)
	}
	if err := memory.WriteFileAtomic(m.path(), data); err != nil {
		return memory.NewIOError("registry.persist", "write registry", err)
	}
	return nil
}

// mostRecentLocked picks the most recently accessed entry other than skip.
func (m *Manager) mostRecentLocked(skip string) string {
	best := -1
	for i, e := range m.reg.Stores {
		if e.ID == skip {
			continue
		}
		if best < 0 || e.LastAccessedAt.After(m.reg.Stores[best].LastAccessedAt) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return m.reg.Stores[best].ID
}

func (m *Manager) checkReady(op string) error {
	if !m.ready {
		return memory.NewInvariantError(op, "registry not initialized")
	}
	return nil
}

func normalizeName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", memory.NewInvariantError(op, "store name is empty")
	}
	return name, nil
}

func (m *Manager) nameTakenLocked(name, except string) bool {
	for _, e := range m.reg.Stores {
		if e.ID != except && strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}

// createLocked makes the store directory and an initialized, empty store.
// It does not register the entry.
func (m *Manager) createLocked(ctx context.Context, name string) (Entry, *memory.Store, error) {
	now := m.opts.Clock()
	id := memory.NewID()
	e := Entry{ID: id, Name: name, Location: id, CreatedAt: now, LastAccessedAt: now}

	s := m.newStore(e)
	if err := s.Initialize(ctx); err != nil {
		os.RemoveAll(m.location(e))
		return Entry{}, nil, err
	}
	m.stores[id] = s
	return e, s, nil
}

func (m *Manager) newStore(e Entry) *memory.Store {
	opts := m.opts.Store
	opts.ID = e.ID
	return memory.NewStore(m.location(e), opts)
}

// Create registers a new empty store. It becomes active only if no store is.
func (m *Manager) Create(ctx context.Context, name string) (e Entry, err error) {
	const op = "registry.create"
	ctx, span := m.obs.StartSpan(ctx, op, attribute.String("store.name", name))
	defer func() { m.obs.EndSpan(span, err) }()

	if name, err = normalizeName(op, name); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return Entry{}, err
	}
	if m.nameTakenLocked(name, "") {
		return Entry{}, memory.NewInvariantError(op, fmt.Sprintf("store %q already exists", name))
	}

	e, s, err := m.createLocked(ctx, name)
	if err != nil {
		return Entry{}, err
	}

	prev := m.reg.clone()
	m.reg.Stores = append(m.reg.Stores, e)
	if m.reg.ActiveID == "" {
		m.reg.ActiveID = e.ID
	}
	if err := m.persistLocked(); err != nil {
		m.reg = prev
		delete(m.stores, e.ID)
		s.Discard()
		os.RemoveAll(m.location(e))
		return Entry{}, err
	}

	m.obs.Log().Info().Str("store", e.ID).Str("name", e.Name).Msg("store created")
	m.opts.Bus.PublishWithData(events.StoreCreated, e.ID, map[string]interface{}{"name": e.Name})
	return e, nil
}

// Switch makes id the active store.
func (m *Manager) Switch(ctx context.Context, id string) (e Entry, err error) {
	const op = "registry.switch"
	_, span := m.obs.StartSpan(ctx, op, attribute.String("store.id", id))
	defer func() { m.obs.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return Entry{}, err
	}
	idx := m.reg.index(id)
	if idx < 0 {
		return Entry{}, memory.NewNotFoundError(op, "store", id)
	}

	prev := m.reg.clone()
	m.reg.ActiveID = id
	m.reg.Stores[idx].LastAccessedAt = m.opts.Clock()
	if err := m.persistLocked(); err != nil {
		m.reg = prev
		return Entry{}, err
	}

	m.opts.Bus.PublishSimple(events.StoreSwitched, id)
	return m.reg.Stores[idx], nil
}

// Rename changes the display name of id.
func (m *Manager) Rename(ctx context.Context, id, name string) (e Entry, err error) {
	const op = "registry.rename"
	_, span := m.obs.StartSpan(ctx, op, attribute.String("store.id", id))
	defer func() { m.obs.EndSpan(span, err) }()

	if name, err = normalizeName(op, name); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return Entry{}, err
	}
	idx := m.reg.index(id)
	if idx < 0 {
		return Entry{}, memory.NewNotFoundError(op, "store", id)
	}
	if m.nameTakenLocked(name, id) {
		return Entry{}, memory.NewInvariantError(op, fmt.Sprintf("store %q already exists", name))
	}

	prev := m.reg.clone()
	m.reg.Stores[idx].Name = name
	if err := m.persistLocked(); err != nil {
		m.reg = prev
		return Entry{}, err
	}
	return m.reg.Stores[idx], nil
}

// Delete unregisters id and removes its data. The last remaining store cannot
// be deleted. If id was active, the most recently accessed remaining store
// becomes active.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	const op = "registry.delete"
	_, span := m.obs.StartSpan(ctx, op, attribute.String("store.id", id))
	defer func() { m.obs.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return err
	}
	idx := m.reg.index(id)
	if idx < 0 {
		return memory.NewNotFoundError(op, "store", id)
	}
	if len(m.reg.Stores) == 1 {
		return memory.NewInvariantError(op, "cannot delete the only store")
	}

	e := m.reg.Stores[idx]
	prev := m.reg.clone()
	m.reg.Stores = append(m.reg.Stores[:idx:idx], m.reg.Stores[idx+1:]...)
	if m.reg.ActiveID == id {
		m.reg.ActiveID = m.mostRecentLocked(id)
	}
	if err := m.persistLocked(); err != nil {
		m.reg = prev
		return err
	}

	if s, ok := m.stores[id]; ok {
		s.Discard()
		delete(m.stores, id)
	}
	if err := os.RemoveAll(m.location(e)); err != nil {
		return memory.NewIOError(op, "remove store data", err)
	}

	m.obs.Log().Info().Str("store", id).Str("name", e.Name).Str("active", m.reg.ActiveID).Msg("store deleted")
	m.opts.Bus.PublishWithData(events.StoreDeleted, id, map[string]interface{}{
		"name":   e.Name,
		"active": m.reg.ActiveID,
	})
	return nil
}

// Get returns the store for id, opening and caching it on first use.
func (m *Manager) Get(ctx context.Context, id string) (*memory.Store, error) {
	const op = "registry.get"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return nil, err
	}
	return m.getLocked(ctx, op, id)
}

func (m *Manager) getLocked(ctx context.Context, op, id string) (*memory.Store, error) {
	idx := m.reg.index(id)
	if idx < 0 {
		return nil, memory.NewNotFoundError(op, "store", id)
	}
	if s, ok := m.stores[id]; ok {
		return s, nil
	}
	s := m.newStore(m.reg.Stores[idx])
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	m.stores[id] = s
	return s, nil
}

// Active returns the active store and its entry.
func (m *Manager) Active(ctx context.Context) (*memory.Store, Entry, error) {
	const op = "registry.active"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(op); err != nil {
		return nil, Entry{}, err
	}
	s, err := m.getLocked(ctx, op, m.reg.ActiveID)
	if err != nil {
		return nil, Entry{}, err
	}
	return s, m.reg.Stores[m.reg.index(m.reg.ActiveID)], nil
}

// ActiveID returns the id of the active store.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.ActiveID
}

// Entry returns the registry entry for id.
func (m *Manager) Entry(id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.reg.index(id)
	if idx < 0 {
		return Entry{}, memory.NewNotFoundError("registry.entry", "store", id)
	}
	return m.reg.Stores[idx], nil
}

// List returns all entries in registration order.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.reg.Stores...)
}

// Resolve finds an entry by id, then by case-insensitive name.
func (m *Manager) Resolve(idOrName string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.reg.index(idOrName); idx >= 0 {
		return m.reg.Stores[idx], nil
	}
	for _, e := range m.reg.Stores {
		if strings.EqualFold(e.Name, idOrName) {
			return e, nil
		}
	}
	return Entry{}, memory.NewNotFoundError("registry.resolve", "store", idOrName)
}

// Close flushes and closes every open store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", id, err))
		}
		delete(m.stores, id)
	}
	return errors.Join(errs...)
}
