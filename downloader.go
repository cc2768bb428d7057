//go:build !NODOWNLOAD

package onnxport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/onnxport/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
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

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// LocalModelPath is the folder a model named modelName is downloaded to under destination.
func LocalModelPath(destination string, modelName string) string {
	return path.Join(destination, strings.ReplaceAll(modelName, "/", "_"))
}

// DownloadModel downloads a model from the HuggingFace Hub. Before the model is downloaded, validation
// occurs to ensure there is exactly one .onnx file (or the one named by OnnxFilePath).
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	if strings.Contains(modelName, ":") {
		return "", fmt.Errorf("model name %s: registry filters are not supported, use OnnxFilePath to pick a file", modelName)
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = 1
	}
	modelPath := LocalModelPath(destination, modelName)

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(ctx, repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Int("attempt", i+1).Int("max_attempts", options.MaxRetries).Str("model", modelName).Msg("download attempt failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			if copyErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j]))); copyErr != nil {
				return "", copyErr
			}
		}

		log.Info().Str("model", modelName).Str("path", modelPath).Int("files", len(downloadFiles)).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateDownloadHfModel(ctx context.Context, repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", options.MaxRetries).Msg("listing repository failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var fileNames []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		fileNames = append(fileNames, fileName)
	}
	return selectDownloadFiles(fileNames, options)
}

// selectDownloadFiles picks the graph, tokenizer, config and external data files to fetch from a repository listing.
func selectDownloadFiles(fileNames []string, options DownloadOptions) ([]string, error) {
	tokenizerPath := ""
	onnxPath := ""
	var toDownload []string
	var allOnnx []string
	var externalData []string
	for _, fileName := range fileNames {
		baseFileName := filepath.Base(fileName)
		switch {
		case baseFileName == "tokenizer.json":
			tokenizerPath = fileName
		case baseFileName == "special_tokens_map.json" ||
			baseFileName == "tokenizer_config.json" ||
			baseFileName == "config.json":
			if path.Dir(fileName) == "." {
				toDownload = append(toDownload, fileName)
			}
		case filepath.Ext(baseFileName) == ".onnx":
			if options.OnnxFilePath != "" {
				if fileName == options.OnnxFilePath {
					onnxPath = fileName
				}
			} else {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		case options.ExternalDataPath != "" && fileName == options.ExternalDataPath:
			toDownload = append(toDownload, fileName)
		case strings.HasSuffix(baseFileName, ".onnx_data") || strings.HasSuffix(baseFileName, ".onnx.data"):
			externalData = append(externalData, fileName)
		}
	}

	var errs []error

	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		numModels := len(allOnnx)
		if numModels == 0 {
			errs = append(errs, errors.New("model does not have a .onnx file, only ONNX models can be exported: "+
				"for repositories that publish framework weights only, export a plain decoder graph first "+
				"(for example with optimum-cli export onnx) and pass its folder as the model"))
		} else if numModels > 1 {
			errs = append(errs, fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " ")))
		}
	}
	if tokenizerPath == "" && !hasFile(toDownload, "config.json") {
		errs = append(errs, errors.New("model has neither tokenizer.json nor config.json, the vocabulary size cannot be determined"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// external weights are only fetched for the selected graph
	for _, fileName := range externalData {
		if strings.HasPrefix(filepath.Base(fileName), filepath.Base(onnxPath)) {
			toDownload = append(toDownload, fileName)
		}
	}
	files := append(toDownload, onnxPath)
	if tokenizerPath != "" {
		files = append(files, tokenizerPath)
	}
	return files, nil
}

func hasFile(files []string, baseName string) bool {
	for _, f := range files {
		if filepath.Base(f) == baseName {
			return true
		}
	}
	return false
}
