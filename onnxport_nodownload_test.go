//go:build NODOWNLOAD

package onnxport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxport/options"
)

func TestConvertUnresolvableModel(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), options.DefaultOutputPath)
	converter, out := newTestConverter(t, options.DefaultModelName, outputPath)

	_, err := converter.Convert(context.Background())
	assert.ErrorContains(t, err, "acquire:")
	assert.ErrorContains(t, err, "does not include the model downloader")
	assert.Equal(t, StatePending, converter.State())
	assert.Empty(t, out.String())

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
}
