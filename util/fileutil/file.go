package fileutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// ReadFileBytes returns the content at filename. A failure to close the file is reported with the content.
func ReadFileBytes(filename string) (content []byte, err error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileBytes replaces the content at filename, creating parent folders for local paths.
func WriteFileBytes(ctx context.Context, filename string, data []byte) (err error) {
	if GetPathType(filename) == "os" {
		if dir := filepath.Dir(filename); dir != "." {
			if mkErr := os.MkdirAll(dir, os.ModePerm); mkErr != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
			}
		}
	}
	writer, err := NewFileWriter(ctx, filename)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, CloseFile(writer))
	}()
	_, err = io.Copy(writer, bytes.NewReader(data))
	return err
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// Dir returns all but the last element of path, keeping the scheme of S3 paths intact.
func Dir(path string) string {
	switch GetPathType(path) {
	case "S3":
		return path[:strings.LastIndex(path, "/")]
	default:
		return filepath.Dir(path)
	}
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

func FileStats(filename string) (storage.Object, error) {
	return fileSystem.Object(context.Background(), filename)
}

func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(ctx, filename)
		if err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}
