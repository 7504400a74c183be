package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dataset-maker/pkg/types"
)

func TestSanitizeModelJSON(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"fenced": {
			in:   "```json\n{\"objects\": []}\n```",
			want: `{"objects": []}`,
		},
		"prose around array": {
			in:   `Here you go: [{"label": "dent"}] hope it helps`,
			want: `[{"label": "dent"}]`,
		},
		"url inside string": {
			in:   `{"label": "http://x"}`,
			want: `{"label": "http://x"}`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeModelJSON(tc.in))
		})
	}
}

func TestSanitizeCommentsAndTrailingCommas(t *testing.T) {
	raw := `{
		// detected objects
		"objects": [{"label": "scratch", /* best guess */ "confidence": 0.9,},], // done
	}`

	var resp detectionResponse
	require.NoError(t, json.Unmarshal([]byte(SanitizeModelJSON(raw)), &resp))
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, "scratch", resp.Objects[0].Label)
	assert.Equal(t, 0.9, resp.Objects[0].Confidence)
}

func TestParseDetections(t *testing.T) {
	dets, err := ParseDetections(`{"objects": [
		{"label": "scratch", "confidence": 0.8, "box": {"x": 0.1, "y": 0.2, "w": 0.3, "h": 0.4}},
		{"label": " dent ", "confidence": 0.5, "x": 0.5, "y": 0.5, "w": 0.1, "h": 0.1},
		{"label": "", "confidence": 0.9}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, []types.Detection{
		{Label: "scratch", Confidence: 0.8, X: 0.1, Y: 0.2, W: 0.3, H: 0.4},
		{Label: "dent", Confidence: 0.5, X: 0.5, Y: 0.5, W: 0.1, H: 0.1},
	}, dets)

	dets, err = ParseDetections(`[{"label": "crack", "confidence": 1, "box": {"x": 0, "y": 0, "w": 1, "h": 1}}]`)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "crack", dets[0].Label)

	dets, err = ParseDetections("I cannot see any defects.")
	require.NoError(t, err)
	assert.Empty(t, dets)

	_, err = ParseDetections(`{"objects": "nope"}`)
	assert.Error(t, err)
}
