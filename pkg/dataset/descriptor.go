package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/dataset-maker/pkg/types"
)

// DescriptorFile is the name of the dataset descriptor at the dataset root
const DescriptorFile = "data.yaml"

const descriptorHeader = "# YOLO dataset descriptor\n"

// Descriptor is the dataset root metadata consumed by the trainer
type Descriptor struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names,flow"`
}

// NewDescriptor builds the descriptor for a dataset rooted at outputDir
func NewDescriptor(outputDir string, categories []string) (Descriptor, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return Descriptor{}, err
	}
	names := make([]string, len(categories))
	copy(names, categories)
	return Descriptor{
		Path:  root,
		Train: imagesDir + "/" + string(types.SplitTrain),
		Val:   imagesDir + "/" + string(types.SplitVal),
		NC:    len(names),
		Names: names,
	}, nil
}

// WriteDescriptor writes data.yaml into outputDir and returns its path.
// Rewriting an existing descriptor is harmless.
func WriteDescriptor(outputDir string, categories []string) (string, error) {
	desc, err := NewDescriptor(outputDir, categories)
	if err != nil {
		return "", newError(KindPersistence, err, "resolve dataset root %s", outputDir)
	}

	var buf bytes.Buffer
	buf.WriteString(descriptorHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(desc); err != nil {
		return "", newError(KindPersistence, err, "encode descriptor")
	}
	if err := enc.Close(); err != nil {
		return "", newError(KindPersistence, err, "encode descriptor")
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", newError(KindPersistence, err, "create %s", outputDir)
	}
	path := filepath.Join(outputDir, DescriptorFile)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", newError(KindPersistence, err, "write %s", path)
	}
	return path, nil
}

// ReadDescriptor loads a descriptor file
func ReadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read descriptor: %w", err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	return desc, nil
}
