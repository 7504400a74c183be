package prelabel

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dataset-maker/pkg/annotation"
	"github.com/menta2k/dataset-maker/pkg/types"
)

type fakeClient struct {
	mu       sync.Mutex
	dets     []types.Detection
	err      error
	queryErr error
	prompts  []string
	calls    int
	queries  int
	// onDetect runs while the model is "thinking"
	onDetect func()
}

func (f *fakeClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return "", f.queryErr
	}
	return "OK", nil
}

func (f *fakeClient) DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.onDetect != nil {
		f.onDetect()
	}
	return f.dets, f.err
}

func createTestImage(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 200, 100)
	createTestImage(t, filepath.Join(dir, "b.png"), 200, 100)
	existing := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"shapes": []}`), 0o644))

	fc := &fakeClient{dets: []types.Detection{
		{Label: "Scratch", Confidence: 0.9, X: 0.1, Y: 0.2, W: 0.5, H: 0.5},
		{Label: "dent", Confidence: 0.2, X: 0, Y: 0, W: 0.5, H: 0.5},
		{Label: "rust", Confidence: 0.99, X: 0, Y: 0, W: 0.5, H: 0.5},
		{Label: "crack", Confidence: 0.7, X: 0.9, Y: 0.9, W: 0.5, H: 0.5},
	}}
	l := New(fc, Config{Model: "llava", MinConfidence: 0.5, MaxDimension: 64}, nil)

	sum, err := l.Run(context.Background(), dir, []string{"scratch", "dent", "crack"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Images)
	assert.Equal(t, 1, sum.Annotated)
	assert.Equal(t, 1, sum.Written)
	assert.Equal(t, 2, sum.Boxes)
	assert.Equal(t, 2, sum.Rejected)
	assert.Equal(t, 1, fc.calls)
	assert.Contains(t, fc.prompts[0], "scratch, dent, crack")

	rec, err := annotation.Load(filepath.Join(dir, "a.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.ImageWidth)
	assert.Equal(t, 100, rec.ImageHeight)
	require.Len(t, rec.Shapes, 2)
	assert.Equal(t, "scratch", rec.Shapes[0].Label)
	assert.Equal(t, types.ShapeRectangle, rec.Shapes[0].ShapeType)
	assert.Equal(t, [][2]float64{{20, 20}, {120, 70}}, rec.Shapes[0].Points)
	assert.Equal(t, [][2]float64{{180, 90}, {200, 100}}, rec.Shapes[1].Points, "boxes are clamped to the image")

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, `{"shapes": []}`, string(data), "existing annotations are never overwritten")
}

func TestRunKeepsFileSavedDuringDetection(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 100, 100)
	saved := filepath.Join(dir, "a.json")

	fc := &fakeClient{
		dets: []types.Detection{{Label: "scratch", Confidence: 0.9, X: 0.1, Y: 0.1, W: 0.5, H: 0.5}},
		onDetect: func() {
			require.NoError(t, os.WriteFile(saved, []byte(`{"shapes": []}`), 0o644))
		},
	}
	sum, err := New(fc, Config{}, nil).Run(context.Background(), dir, []string{"scratch"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Annotated)
	assert.Zero(t, sum.Written)
	assert.Zero(t, sum.Failed)

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, `{"shapes": []}`, string(data))
}

func TestRunNoDetections(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 50, 50)

	l := New(&fakeClient{}, Config{}, nil)
	sum, err := l.Run(context.Background(), dir, []string{"scratch"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Empty)
	assert.Zero(t, sum.Written)
	assert.NoFileExists(t, filepath.Join(dir, "a.json"))

	l = New(&fakeClient{}, Config{WriteEmpty: true}, nil)
	sum, err = l.Run(context.Background(), dir, []string{"scratch"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Written)
	assert.FileExists(t, filepath.Join(dir, "a.json"))
}

func TestRunClientError(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 50, 50)
	createTestImage(t, filepath.Join(dir, "b.png"), 50, 50)

	fc := &fakeClient{err: errors.New("model offline")}
	sum, err := New(fc, Config{}, nil).Run(context.Background(), dir, []string{"scratch"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 2, fc.calls)
}

func TestRunModelUnavailable(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 50, 50)
	createTestImage(t, filepath.Join(dir, "b.png"), 50, 50)

	fc := &fakeClient{queryErr: errors.New("connection refused")}
	_, err := New(fc, Config{Model: "llava"}, nil).Run(context.Background(), dir, []string{"scratch"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, fc.queries)
	assert.Zero(t, fc.calls)
}

func TestRunSkipsCheckWithoutPendingImages(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 50, 50)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"shapes": []}`), 0o644))

	fc := &fakeClient{queryErr: errors.New("offline")}
	sum, err := New(fc, Config{}, nil).Run(context.Background(), dir, []string{"scratch"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Annotated)
	assert.Zero(t, fc.queries)
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, filepath.Join(dir, "a.png"), 50, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc := &fakeClient{}
	_, err := New(fc, Config{}, nil).Run(ctx, dir, []string{"scratch"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fc.calls)
}

func TestRunNoCategories(t *testing.T) {
	_, err := New(&fakeClient{}, Config{}, nil).Run(context.Background(), t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNoCategories)
}

func TestNormalizeBox(t *testing.T) {
	x1, y1, x2, y2 := normalizeBox(types.Detection{X: 10, Y: 20, W: 30, H: 40}, 100, 100)
	assert.Equal(t, []float64{10, 20, 40, 60}, []float64{x1, y1, x2, y2}, "pixel values are accepted")

	x1, y1, x2, y2 = normalizeBox(types.Detection{X: -0.5, Y: 0.5, W: 0.9, H: -1}, 100, 100)
	assert.Equal(t, []float64{0, 50, 90, 50}, []float64{x1, y1, x2, y2})
}

func TestPrompt(t *testing.T) {
	l := New(&fakeClient{}, Config{Prompt: "find: %s"}, nil)
	assert.Equal(t, "find: a, b", l.Prompt([]string{"a", "b"}))

	l = New(&fakeClient{}, Config{Prompt: "fixed"}, nil)
	assert.Equal(t, "fixed", l.Prompt([]string{"a"}))
}
