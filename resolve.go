package onnxport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

// DefaultModelsDir is where models are downloaded when no folder is configured.
const DefaultModelsDir = "models"

// ResolveModel turns a model identifier into a local model folder or .onnx file. An existing path is used as is,
// then a previous download under modelsDir, and only then is the model fetched from the registry.
func ResolveModel(ctx context.Context, name string, modelsDir string, options DownloadOptions) (string, error) {
	if name == "" {
		return "", errors.New("model name is empty")
	}
	if strings.Contains(name, ":") {
		return "", fmt.Errorf("model name %s: registry filters are not supported", name)
	}
	exists, err := fileutil.FileExists(name)
	if err != nil {
		return "", fmt.Errorf("error checking for existence of %s: %w", name, err)
	}
	if exists {
		log.Debug().Str("path", name).Msg("using local model")
		return name, nil
	}

	if modelsDir == "" {
		modelsDir = DefaultModelsDir
	}
	cached := LocalModelPath(modelsDir, name)
	if exists, err = fileutil.FileExists(cached); err != nil {
		return "", fmt.Errorf("error checking for existence of %s: %w", cached, err)
	}
	if exists {
		log.Debug().Str("path", cached).Msg("using previously downloaded model")
		return cached, nil
	}

	log.Info().Str("model", name).Str("destination", modelsDir).Msg("downloading model")
	modelPath, err := DownloadModel(ctx, name, modelsDir, options)
	if err != nil {
		return "", fmt.Errorf("failed to acquire model %s: %w", name, err)
	}
	return modelPath, nil
}
