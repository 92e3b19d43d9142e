package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

const documentTimeFormat = "20060102-150405"

var ErrSinkWrite = errors.New("metrics document write error")

// Sink persists metrics documents.
type Sink interface {
	Write(doc *model.MetricsDocument) (string, error)
}

// FileSink writes each metrics document to its own JSON file.
//
// Documents are immutable, an existing file is never overwritten.
type FileSink struct {
	dir string
}

// NewFileSink returns a FileSink writing to dir, the directory is created if missing.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(ErrSinkWrite, err.Error())
	}

	return &FileSink{dir: dir}, nil
}

// Filename returns the document file name, <device name>-<YYYYmmdd-HHMMSS>.json
func Filename(doc *model.MetricsDocument) string {
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(doc.DeviceName)

	return name + "-" + doc.Timestamp.UTC().Format(documentTimeFormat) + ".json"
}

// Write implements the Sink interface, the path of the written file is returned.
func (s *FileSink) Write(doc *model.MetricsDocument) (string, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(ErrSinkWrite, err.Error())
	}

	path := filepath.Join(s.dir, Filename(doc))

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(ErrSinkWrite, err.Error())
	}

	if _, err := fh.Write(append(b, '\n')); err != nil {
		fh.Close()
		os.Remove(path)

		return "", errors.Wrap(ErrSinkWrite, err.Error())
	}

	if err := fh.Close(); err != nil {
		return "", errors.Wrap(ErrSinkWrite, err.Error())
	}

	return path, nil
}
