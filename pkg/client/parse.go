package client

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/dataset-maker/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

type detectionBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type detectionItem struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        *detectionBox `json:"box"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	W          float64       `json:"w"`
	H          float64       `json:"h"`
}

type detectionResponse struct {
	Objects []detectionItem `json:"objects"`
}

// ParseDetections accepts {"objects": [...]} or a bare array of objects.
// Boxes may be nested under "box" or flattened into the object.
func ParseDetections(raw string) ([]types.Detection, error) {
	raw = SanitizeModelJSON(raw)
	if raw == "" {
		return nil, nil
	}

	var items []detectionItem
	switch raw[0] {
	case '[':
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("failed to parse detections: %w", err)
		}
	case '{':
		var resp detectionResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse detections: %w", err)
		}
		items = resp.Objects
	default:
		return nil, nil
	}

	out := make([]types.Detection, 0, len(items))
	for _, it := range items {
		d := types.Detection{
			Label:      strings.TrimSpace(it.Label),
			Confidence: it.Confidence,
			X:          it.X,
			Y:          it.Y,
			W:          it.W,
			H:          it.H,
		}
		if it.Box != nil {
			d.X, d.Y, d.W, d.H = it.Box.X, it.Box.Y, it.Box.W, it.Box.H
		}
		if d.Label == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas and
// keeps the outermost JSON object or array
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = stripInlineComments(raw)
	raw = reTrailing.ReplaceAllString(raw, "$1")

	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return strings.TrimSpace(raw)
	}
	closing := "}"
	if raw[start] == '[' {
		closing = "]"
	}
	if end := strings.LastIndex(raw, closing); end > start {
		raw = raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

// stripInlineComments drops // comments that are outside string literals
func stripInlineComments(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		inString := false
		for j := 0; j < len(line)-1; j++ {
			switch {
			case line[j] == '\\' && inString:
				j++
			case line[j] == '"':
				inString = !inString
			case !inString && line[j] == '/' && line[j+1] == '/':
				line = line[:j]
			}
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
