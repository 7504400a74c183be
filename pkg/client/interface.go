package client

import (
	"context"

	"github.com/menta2k/dataset-maker/pkg/types"
)

// VisionClient is a vision model backend able to locate objects in an image
type VisionClient interface {
	// SimpleQuery sends prompt with the image and returns the raw answer
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// DetectObjects returns the objects the model found, boxes normalized
	DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]types.Detection, error)
}
