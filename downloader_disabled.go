//go:build NODOWNLOAD

package onnxport

import (
	"context"
	"errors"
	"path"
	"strings"
)

type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	ExternalDataPath      string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{}
}

func LocalModelPath(destination string, modelName string) string {
	return path.Join(destination, strings.ReplaceAll(modelName, "/", "_"))
}

func DownloadModel(_ context.Context, _ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("this build does not include the model downloader, build without the NODOWNLOAD tag")
}
