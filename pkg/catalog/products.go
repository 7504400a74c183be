package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

type productFile struct {
	Products         []Product             `json:"products"`
	DefectCategories map[string][]Category `json:"defect_categories"`
	NextProductID    int                   `json:"next_product_id,omitempty"`
	NextDefectIDs    map[string]int        `json:"next_defect_ids,omitempty"`
	UpdatedAt        string                `json:"updated_at"`
}

// ProductStore keeps products and their defect categories. Defect category
// names are unique within a product, not across products.
type ProductStore struct {
	mu   sync.RWMutex
	path string
	opts options
	data productFile
}

// OpenProducts loads the two-level store at path, creating its directory if
// needed. A missing file yields an empty store.
func OpenProducts(path string, opts ...Option) (*ProductStore, error) {
	if err := prepareDir(path); err != nil {
		return nil, err
	}
	var f productFile
	if err := readJSON(path, &f); err != nil {
		return nil, err
	}
	if f.DefectCategories == nil {
		f.DefectCategories = map[string][]Category{}
	}
	if f.NextDefectIDs == nil {
		f.NextDefectIDs = map[string]int{}
	}
	return &ProductStore{path: path, opts: buildOptions(opts), data: f}, nil
}

func bucketKey(productID int) string { return strconv.Itoa(productID) }

// Path returns the backing file
func (s *ProductStore) Path() string { return s.path }

// List returns a copy of all products in insertion order
func (s *ProductStore) List() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Product, len(s.data.Products))
	copy(out, s.data.Products)
	return out
}

func (s *ProductStore) productIndex(id int) int {
	for i, p := range s.data.Products {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *ProductStore) productNameTaken(name string, except int) bool {
	for i, p := range s.data.Products {
		if i != except && p.Name == name {
			return true
		}
	}
	return false
}

func (s *ProductStore) productIDs() []int {
	ids := make([]int, len(s.data.Products))
	for i, p := range s.data.Products {
		ids[i] = p.ID
	}
	return ids
}

// Get returns the product with the given id
func (s *ProductStore) Get(id int) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.productIndex(id)
	if i < 0 {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return s.data.Products[i], nil
}

// FindByName returns the product called name
func (s *ProductStore) FindByName(name string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.data.Products {
		if p.Name == name {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("product %q: %w", name, ErrNotFound)
}

// Names returns the product names in insertion order
func (s *ProductStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.data.Products))
	for i, p := range s.data.Products {
		names[i] = p.Name
	}
	return names
}

// Add creates a product without a path hint
func (s *ProductStore) Add(name, description string) (Product, error) {
	return s.AddProduct(name, description, "")
}

// AddProduct creates a product with an empty defect category bucket
func (s *ProductStore) AddProduct(name, description, path string) (Product, error) {
	if name == "" {
		return Product{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.productNameTaken(name, -1) {
		return Product{}, fmt.Errorf("product %q: %w", name, ErrDuplicateName)
	}
	id, next := s.opts.nextID(s.productIDs(), s.data.NextProductID)
	p := Product{
		ID:          id,
		Name:        name,
		Description: description,
		Path:        path,
		CreatedAt:   s.opts.timestamp(),
	}

	f := s.snapshot()
	f.Products = append(f.Products, p)
	f.NextProductID = next
	f.DefectCategories[bucketKey(id)] = []Category{}
	if err := s.save(f); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Update renames and redescribes a product, keeping its path
func (s *ProductStore) Update(id int, name, description string) (Product, error) {
	return s.UpdateProduct(id, name, description, nil)
}

// UpdateProduct renames and redescribes a product; a nil path keeps the
// current one
func (s *ProductStore) UpdateProduct(id int, name, description string, path *string) (Product, error) {
	if name == "" {
		return Product{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.productIndex(id)
	if i < 0 {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if s.productNameTaken(name, i) {
		return Product{}, fmt.Errorf("product %q: %w", name, ErrDuplicateName)
	}

	f := s.snapshot()
	p := &f.Products[i]
	p.Name = name
	p.Description = description
	if path != nil {
		p.Path = *path
	}
	p.UpdatedAt = s.opts.timestamp()
	if err := s.save(f); err != nil {
		return Product{}, err
	}
	return f.Products[i], nil
}

// Delete removes a product and its defect categories
func (s *ProductStore) Delete(id int) error {
	return s.DeleteProduct(id)
}

// DeleteProduct removes a product and its defect categories
func (s *ProductStore) DeleteProduct(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.productIndex(id) < 0 {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	f := s.snapshot()
	f.NextProductID = counterFloor(s.productIDs(), f.NextProductID)
	products := f.Products[:0]
	for _, p := range f.Products {
		if p.ID != id {
			products = append(products, p)
		}
	}
	f.Products = products
	delete(f.DefectCategories, bucketKey(id))
	delete(f.NextDefectIDs, bucketKey(id))
	return s.save(f)
}

// DefectCategories returns a copy of the defect categories of a product
func (s *ProductStore) DefectCategories(productID int) []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return categoryList(s.data.DefectCategories[bucketKey(productID)]).clone()
}

// DefectCategoryNames returns the defect category names of a product
func (s *ProductStore) DefectCategoryNames(productID int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return categoryList(s.data.DefectCategories[bucketKey(productID)]).names()
}

// DefectCategoryExists reports whether the product has a defect category
// called name
func (s *ProductStore) DefectCategoryExists(productID int, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return categoryList(s.data.DefectCategories[bucketKey(productID)]).hasName(name, -1)
}

// AddDefectCategory appends a defect category to a product's bucket. The
// bucket is created when missing, as for products added by hand-edited files.
func (s *ProductStore) AddDefectCategory(productID int, name, description string) (Category, error) {
	if name == "" {
		return Category{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, f, err := s.addDefect(s.snapshot(), productID, name, description)
	if err != nil {
		return Category{}, err
	}
	if err := s.save(f); err != nil {
		return Category{}, err
	}
	return c, nil
}

func (s *ProductStore) addDefect(f productFile, productID int, name, description string) (Category, productFile, error) {
	key := bucketKey(productID)
	bucket := categoryList(f.DefectCategories[key])
	if bucket.hasName(name, -1) {
		return Category{}, f, fmt.Errorf("defect category %q: %w", name, ErrDuplicateName)
	}
	id, next := s.opts.nextID(bucket.ids(), f.NextDefectIDs[key])
	c := Category{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   s.opts.timestamp(),
	}
	f.DefectCategories[key] = append(bucket.clone(), c)
	if s.opts.policy == IDMonotonic {
		f.NextDefectIDs[key] = next
	}
	return c, f, nil
}

// UpdateDefectCategory renames and redescribes a defect category
func (s *ProductStore) UpdateDefectCategory(productID, categoryID int, name, description string) (Category, error) {
	if name == "" {
		return Category{}, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(productID)
	bucket, ok := s.data.DefectCategories[key]
	if !ok {
		return Category{}, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	i := categoryList(bucket).index(categoryID)
	if i < 0 {
		return Category{}, fmt.Errorf("defect category %d: %w", categoryID, ErrNotFound)
	}
	if categoryList(bucket).hasName(name, i) {
		return Category{}, fmt.Errorf("defect category %q: %w", name, ErrDuplicateName)
	}

	f := s.snapshot()
	updated := f.DefectCategories[key]
	updated[i].Name = name
	updated[i].Description = description
	updated[i].UpdatedAt = s.opts.timestamp()
	if err := s.save(f); err != nil {
		return Category{}, err
	}
	return updated[i], nil
}

// DeleteDefectCategory removes a defect category from a product
func (s *ProductStore) DeleteDefectCategory(productID, categoryID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(productID)
	bucket, ok := s.data.DefectCategories[key]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if categoryList(bucket).index(categoryID) < 0 {
		return fmt.Errorf("defect category %d: %w", categoryID, ErrNotFound)
	}

	f := s.snapshot()
	if s.opts.policy == IDMonotonic {
		f.NextDefectIDs[key] = counterFloor(categoryList(bucket).ids(), f.NextDefectIDs[key])
	}
	kept := make([]Category, 0, len(bucket))
	for _, c := range bucket {
		if c.ID != categoryID {
			kept = append(kept, c)
		}
	}
	f.DefectCategories[key] = kept
	return s.save(f)
}

// CategoryNames returns every defect category name: buckets of known
// products in product order, then buckets without a product ordered by key
func (s *ProductStore) CategoryNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	seen := make(map[string]bool, len(s.data.DefectCategories))
	for _, p := range s.data.Products {
		key := bucketKey(p.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, categoryList(s.data.DefectCategories[key]).names()...)
	}

	var orphans []string
	for key := range s.data.DefectCategories {
		if !seen[key] {
			orphans = append(orphans, key)
		}
	}
	sort.Strings(orphans)
	for _, key := range orphans {
		names = append(names, categoryList(s.data.DefectCategories[key]).names()...)
	}
	return names
}

// Mapping returns product name to defect category names
func (s *ProductStore) Mapping() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[string][]string, len(s.data.Products))
	for _, p := range s.data.Products {
		m[p.Name] = categoryList(s.data.DefectCategories[bucketKey(p.ID)]).names()
	}
	return m
}

// SyncLabels adds every label missing from the product's defect categories,
// in sorted order, and returns the number added. Nothing is written when
// no label is missing.
func (s *ProductStore) SyncLabels(productID int, labels []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.productIndex(productID) < 0 {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}

	sorted := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			sorted = append(sorted, l)
		}
	}
	sort.Strings(sorted)

	f := s.snapshot()
	added := 0
	for _, label := range sorted {
		if categoryList(f.DefectCategories[bucketKey(productID)]).hasName(label, -1) {
			continue
		}
		var err error
		if _, f, err = s.addDefect(f, productID, label, ""); err != nil {
			return 0, err
		}
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := s.save(f); err != nil {
		return 0, err
	}
	return added, nil
}

// snapshot deep-copies the in-memory data for a mutation
func (s *ProductStore) snapshot() productFile {
	f := productFile{
		Products:         make([]Product, len(s.data.Products)),
		DefectCategories: make(map[string][]Category, len(s.data.DefectCategories)),
		NextProductID:    s.data.NextProductID,
		NextDefectIDs:    make(map[string]int, len(s.data.NextDefectIDs)),
	}
	copy(f.Products, s.data.Products)
	for k, v := range s.data.DefectCategories {
		f.DefectCategories[k] = categoryList(v).clone()
	}
	for k, v := range s.data.NextDefectIDs {
		f.NextDefectIDs[k] = v
	}
	return f
}

// save writes f and commits it to memory only on success
func (s *ProductStore) save(f productFile) error {
	f.UpdatedAt = s.opts.timestamp()
	out := f
	if s.opts.policy != IDMonotonic {
		out.NextProductID = 0
		out.NextDefectIDs = nil
	}
	if err := writeJSON(s.path, out); err != nil {
		return err
	}
	s.data = f
	return nil
}
