package catalog

import (
	"fmt"
	"sync"
)

type storeFile struct {
	Categories []Category `json:"categories"`
	NextID     int        `json:"next_id,omitempty"`
	UpdatedAt  string     `json:"updated_at"`
}

// Store is the flat category list
type Store struct {
	mu     sync.RWMutex
	path   string
	opts   options
	items  categoryList
	nextID int
}

// Open loads the flat store at path, creating its directory if needed.
// A missing file yields an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	if err := prepareDir(path); err != nil {
		return nil, err
	}
	var f storeFile
	if err := readJSON(path, &f); err != nil {
		return nil, err
	}
	return &Store{
		path:   path,
		opts:   buildOptions(opts),
		items:  f.Categories,
		nextID: f.NextID,
	}, nil
}

// Path returns the backing file
func (s *Store) Path() string { return s.path }

// List returns a copy of all categories in insertion order
func (s *Store) List() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.clone()
}

// Names returns the category names in insertion order
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.names()
}

// Len returns the number of categories
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Exists reports whether a category named name exists
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.hasName(name, -1)
}

// Get returns the category with the given id
func (s *Store) Get(id int) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.items.index(id)
	if i < 0 {
		return Category{}, fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	return s.items[i], nil
}

// Add appends a new category and persists the store
func (s *Store) Add(name, description string) (Category, error) {
	if name == "" {
		return Category{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.hasName(name, -1) {
		return Category{}, fmt.Errorf("category %q: %w", name, ErrDuplicateName)
	}
	id, next := s.opts.nextID(s.items.ids(), s.nextID)
	c := Category{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   s.opts.timestamp(),
	}
	items := append(s.items.clone(), c)
	if err := s.save(items, next); err != nil {
		return Category{}, err
	}
	return c, nil
}

// Update renames and redescribes a category
func (s *Store) Update(id int, name, description string) (Category, error) {
	if name == "" {
		return Category{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.items.index(id)
	if i < 0 {
		return Category{}, fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	if s.items.hasName(name, i) {
		return Category{}, fmt.Errorf("category %q: %w", name, ErrDuplicateName)
	}
	items := s.items.clone()
	items[i].Name = name
	items[i].Description = description
	items[i].UpdatedAt = s.opts.timestamp()
	if err := s.save(items, s.nextID); err != nil {
		return Category{}, err
	}
	return items[i], nil
}

// Delete removes the category with the given id
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.items.index(id)
	if i < 0 {
		return fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	items := make(categoryList, 0, len(s.items)-1)
	for _, c := range s.items {
		if c.ID != id {
			items = append(items, c)
		}
	}
	return s.save(items, counterFloor(s.items.ids(), s.nextID))
}

// save writes items and commits them to memory only on success
func (s *Store) save(items categoryList, next int) error {
	f := storeFile{
		Categories: items,
		UpdatedAt:  s.opts.timestamp(),
	}
	if s.opts.policy == IDMonotonic {
		f.NextID = next
	}
	if f.Categories == nil {
		f.Categories = []Category{}
	}
	if err := writeJSON(s.path, f); err != nil {
		return err
	}
	s.items = items
	s.nextID = next
	return nil
}
