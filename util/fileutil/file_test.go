package fileutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadFileBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	checkT(t, WriteFileBytes(context.Background(), path, []byte(`{"model_type": "gpt2"}`)))
	checkT(t, WriteFileBytes(context.Background(), path, []byte(`{}`)))

	content, err := ReadFileBytes(path)
	checkT(t, err)
	assert.Equal(t, []byte(`{}`), content)

	content, err = ReadFileBytes(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	assert.Nil(t, content)
}

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/model.onnx", PathJoinSafe("s3://bucket/", "models", "model.onnx"))
	assert.Equal(t, filepath.Join("models", "model.onnx"), PathJoinSafe("models", "model.onnx"))
	assert.Equal(t, "s3://bucket/models", Dir("s3://bucket/models/model.onnx"))
	assert.Equal(t, "models", Dir(filepath.Join("models", "model.onnx")))
}

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}
