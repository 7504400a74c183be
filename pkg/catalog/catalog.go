// Package catalog persists the product and defect category taxonomy.
//
// Two stores are provided: Store keeps a flat list of categories and
// ProductStore keeps products, each owning its own list of defect
// categories. Both keep everything in memory and rewrite their JSON file on
// every mutation.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeLayout is the timestamp format used in catalog files
const TimeLayout = "2006-01-02 15:04:05"

var (
	// ErrDuplicateName is returned when a name is already used in its scope
	ErrDuplicateName = errors.New("name already exists")
	// ErrNotFound is returned for unknown ids
	ErrNotFound = errors.New("not found")
	// ErrEmptyName is returned when adding or renaming to an empty name
	ErrEmptyName = errors.New("name must not be empty")
)

// IDPolicy controls how new ids are assigned
type IDPolicy int

const (
	// IDMonotonic hands out ids from a counter that is persisted with the
	// list and never goes backwards, so ids are not reused after a delete
	IDMonotonic IDPolicy = iota
	// IDPositional assigns id = number of items in the list. A delete
	// followed by an add can produce a duplicate id.
	IDPositional
)

func (p IDPolicy) String() string {
	switch p {
	case IDMonotonic:
		return "monotonic"
	case IDPositional:
		return "positional"
	}
	return fmt.Sprintf("IDPolicy(%d)", int(p))
}

// ParseIDPolicy maps a config value to an IDPolicy
func ParseIDPolicy(s string) (IDPolicy, error) {
	switch s {
	case "", "monotonic":
		return IDMonotonic, nil
	case "positional":
		return IDPositional, nil
	}
	return IDMonotonic, fmt.Errorf("unknown id policy %q", s)
}

// Category is a named label class
type Category struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Product is a parent scope owning defect categories
type Product struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type options struct {
	policy IDPolicy
	now    func() time.Time
}

// Option configures a store
type Option func(*options)

// WithIDPolicy selects the id assignment policy
func WithIDPolicy(p IDPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{policy: IDMonotonic, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) timestamp() string {
	return o.now().Format(TimeLayout)
}

// nextID returns the id for a new item given the current ids and the
// persisted counter; the returned counter is the value to persist
func (o options) nextID(ids []int, counter int) (id, next int) {
	if o.policy == IDPositional {
		return len(ids), counter
	}
	id = counterFloor(ids, counter)
	return id, id + 1
}

// counterFloor is the smallest id above every id in ids and not below counter
func counterFloor(ids []int, counter int) int {
	for _, id := range ids {
		if id >= counter {
			counter = id + 1
		}
	}
	return counter
}

// prepareDir creates the directory holding path
func prepareDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	return nil
}

// readJSON loads path into v; a missing file leaves v untouched
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return nil
}

// writeJSON replaces path with the indented encoding of v
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	return nil
}

// categoryList holds the operations shared by flat categories and
// per-product defect buckets
type categoryList []Category

func (l categoryList) index(id int) int {
	for i, c := range l {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (l categoryList) hasName(name string, except int) bool {
	for i, c := range l {
		if i != except && c.Name == name {
			return true
		}
	}
	return false
}

func (l categoryList) ids() []int {
	ids := make([]int, len(l))
	for i, c := range l {
		ids[i] = c.ID
	}
	return ids
}

func (l categoryList) names() []string {
	names := make([]string, len(l))
	for i, c := range l {
		names[i] = c.Name
	}
	return names
}

func (l categoryList) clone() []Category {
	out := make([]Category, len(l))
	copy(out, l)
	return out
}
