// Package partition splits annotation files into train and validation sets.
//
// The split is a uniform random shuffle followed by a single cut; it is not
// stratified by label.
package partition

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrEmptyInput is returned when there is nothing to split
	ErrEmptyInput = errors.New("no files to partition")
	// ErrInvalidRatio is returned when the train ratio is outside (0, 1)
	ErrInvalidRatio = errors.New("train ratio must be between 0 and 1 (exclusive)")
)

type config struct {
	seed   uint64
	seeded bool
}

// Option configures Partition
type Option func(*config)

// WithSeed makes the shuffle reproducible
func WithSeed(seed uint64) Option {
	return func(c *config) {
		c.seed = seed
		c.seeded = true
	}
}

// ValidateRatio checks that ratio lies in the open interval (0, 1)
func ValidateRatio(ratio float64) error {
	if math.IsNaN(ratio) || ratio <= 0 || ratio >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	return nil
}

// Partition shuffles a copy of files and cuts it at floor(len(files)*ratio).
// Files before the cut form the train set, the rest the validation set.
func Partition(files []string, ratio float64, opts ...Option) (train, val []string, err error) {
	if err := ValidateRatio(ratio); err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, ErrEmptyInput
	}

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.seeded {
		cfg.seed = uint64(time.Now().UnixNano())
	}

	shuffled := make([]string, len(files))
	copy(shuffled, files)

	r := rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := SplitIndex(len(shuffled), ratio)
	return shuffled[:cut], shuffled[cut:], nil
}

// SplitIndex returns floor(n*ratio)
func SplitIndex(n int, ratio float64) int {
	return int(math.Floor(float64(n) * ratio))
}
