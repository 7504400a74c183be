package partition

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("img_%03d.json", i)
	}
	return files
}

func TestPartitionSizes(t *testing.T) {
	ratios := []float64{0.01, 0.1, 0.33, 0.5, 0.8, 0.95, 0.999}
	for n := 1; n <= 40; n++ {
		files := makeFiles(n)
		for _, r := range ratios {
			train, val, err := Partition(files, r)
			require.NoError(t, err)
			assert.Equal(t, n, len(train)+len(val), "n=%d r=%v", n, r)
			assert.Equal(t, SplitIndex(n, r), len(train), "n=%d r=%v", n, r)
		}
	}
}

func TestPartitionScenario(t *testing.T) {
	train, val, err := Partition(makeFiles(10), 0.8)
	require.NoError(t, err)
	assert.Len(t, train, 8)
	assert.Len(t, val, 2)
}

func TestPartitionCoversInputOnce(t *testing.T) {
	files := makeFiles(25)
	train, val, err := Partition(files, 0.6)
	require.NoError(t, err)

	all := append(append([]string{}, train...), val...)
	sort.Strings(all)
	assert.Equal(t, files, all)
}

func TestPartitionDoesNotMutateInput(t *testing.T) {
	files := makeFiles(20)
	orig := append([]string{}, files...)
	_, _, err := Partition(files, 0.5)
	require.NoError(t, err)
	assert.Equal(t, orig, files)
}

func TestPartitionSeeded(t *testing.T) {
	files := makeFiles(50)
	t1, v1, err := Partition(files, 0.7, WithSeed(42))
	require.NoError(t, err)
	t2, v2, err := Partition(files, 0.7, WithSeed(42))
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
	assert.Equal(t, v1, v2)

	t3, _, err := Partition(files, 0.7, WithSeed(43))
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3)
}

func TestPartitionErrors(t *testing.T) {
	_, _, err := Partition(nil, 0.8)
	assert.ErrorIs(t, err, ErrEmptyInput)

	for _, r := range []float64{0, 1, 1.0, -0.2, 1.5} {
		_, _, err := Partition(makeFiles(3), r)
		assert.ErrorIs(t, err, ErrInvalidRatio, "ratio %v", r)
	}
}
