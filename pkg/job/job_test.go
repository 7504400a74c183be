package job

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dataset-maker/pkg/dataset"
	"github.com/menta2k/dataset-maker/pkg/progress"
)

func createSource(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		stem := fmt.Sprintf("img_%02d", i)
		f, err := os.Create(filepath.Join(dir, stem+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 40, 40))))
		f.Close()
		ann := `{"imageWidth": 40, "imageHeight": 40, "shapes": [{"label": "scratch", "shape_type": "rectangle", "points": [[0, 0], [20, 20]]}]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".json"), []byte(ann), 0o644))
	}
	return dir
}

func TestStartAndWait(t *testing.T) {
	src := createSource(t, 4)
	out := t.TempDir()
	seed := uint64(1)

	r := NewRunner(nil)
	j, err := r.Start(context.Background(), dataset.Options{
		SourceDir:  src,
		OutputDir:  out,
		Categories: []string{"scratch"},
		TrainRatio: 0.5,
		Seed:       &seed,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)

	var events []progress.Event
	for e := range j.Events() {
		events = append(events, e)
	}

	res, err := j.Wait()
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusCompleted, res.Status)
	assert.Equal(t, 4, res.Train+res.Val)
	assert.FileExists(t, filepath.Join(out, dataset.DescriptorFile))

	require.NotEmpty(t, events)
	assert.Equal(t, progress.StageDone, events[len(events)-1].Stage)
	assert.False(t, r.Running(out))
}

func TestStartBusy(t *testing.T) {
	release := make(chan struct{})
	r := NewRunner(nil).WithBuildFunc(func(ctx context.Context, opts dataset.Options) (*dataset.Result, error) {
		<-release
		return &dataset.Result{Status: dataset.StatusCompleted}, nil
	})

	out := t.TempDir()
	j, err := r.Start(context.Background(), dataset.Options{OutputDir: out})
	require.NoError(t, err)
	assert.True(t, r.Running(out))
	assert.Equal(t, []string{j.ID}, r.Active())

	_, err = r.Start(context.Background(), dataset.Options{OutputDir: out + string(filepath.Separator)})
	assert.True(t, errors.Is(err, ErrBusy))

	other, err := r.Start(context.Background(), dataset.Options{OutputDir: t.TempDir()})
	require.NoError(t, err, "other output directories are independent")

	close(release)
	_, err = j.Wait()
	require.NoError(t, err)
	_, err = other.Wait()
	require.NoError(t, err)

	again, err := r.Start(context.Background(), dataset.Options{OutputDir: out})
	require.NoError(t, err, "the slot frees up once the job is done")
	_, err = again.Wait()
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner(nil).WithBuildFunc(func(ctx context.Context, opts dataset.Options) (*dataset.Result, error) {
		close(started)
		<-ctx.Done()
		return &dataset.Result{Status: dataset.StatusCancelled}, nil
	})

	j, err := r.Start(context.Background(), dataset.Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	<-started
	j.Cancel()

	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	res, err := j.Wait()
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusCancelled, res.Status)
}

func TestCategorySnapshot(t *testing.T) {
	seen := make(chan []string, 1)
	release := make(chan struct{})
	r := NewRunner(nil).WithBuildFunc(func(ctx context.Context, opts dataset.Options) (*dataset.Result, error) {
		<-release
		seen <- opts.Categories
		return &dataset.Result{Status: dataset.StatusCompleted}, nil
	})

	cats := []string{"scratch", "dent"}
	j, err := r.Start(context.Background(), dataset.Options{OutputDir: t.TempDir(), Categories: cats})
	require.NoError(t, err)
	cats[0] = "edited"
	close(release)

	_, err = j.Wait()
	require.NoError(t, err)
	assert.Equal(t, []string{"scratch", "dent"}, <-seen)
}

func TestBuildError(t *testing.T) {
	r := NewRunner(nil).WithBuildFunc(func(ctx context.Context, opts dataset.Options) (*dataset.Result, error) {
		return nil, errors.New("disk full")
	})
	j, err := r.Start(context.Background(), dataset.Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	_, err = j.Wait()
	assert.EqualError(t, err, "disk full")
}

func TestStartRequiresOutput(t *testing.T) {
	_, err := NewRunner(nil).Start(context.Background(), dataset.Options{})
	assert.Error(t, err)
}
