package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrTail = errors.New("lease log tail error")

// Tailer follows a log file from its end, handing out complete lines.
//
// Rotation (the path is replaced) and truncation are followed, file system
// notifications drive reads and a poll interval covers file systems without them.
type Tailer struct {
	path   string
	poll   time.Duration
	logger *logrus.Entry

	fh      *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial string
}

// NewTailer returns a Tailer for the file at path.
func NewTailer(path string, poll time.Duration, logger *logrus.Logger) *Tailer {
	if poll <= 0 {
		poll = time.Second
	}

	return &Tailer{
		path:   path,
		poll:   poll,
		logger: logger.WithField("file", path),
	}
}

// open opens the file, creating it when missing, positioned at the end when fromEnd is set.
func (t *Tailer) open(fromEnd bool) error {
	fh, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return errors.Wrap(ErrTail, err.Error())
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return errors.Wrap(ErrTail, err.Error())
	}

	var offset int64
	if fromEnd {
		offset, err = fh.Seek(0, io.SeekEnd)
		if err != nil {
			fh.Close()
			return errors.Wrap(ErrTail, err.Error())
		}
	}

	if t.fh != nil {
		t.fh.Close()
	}

	t.fh = fh
	t.info = info
	t.offset = offset
	t.reader = bufio.NewReader(fh)
	t.partial = ""

	return nil
}

// Run tails the file until the context is canceled, calling fn for each line.
func (t *Tailer) Run(ctx context.Context, fn func(line string)) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return errors.Wrap(ErrTail, err.Error())
	}

	if err := t.open(true); err != nil {
		return err
	}

	defer t.fh.Close()

	var events <-chan fsnotify.Event

	var watchErrors <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.WithError(err).Warn("file notifications unavailable, polling")
	} else {
		defer watcher.Close()

		// the directory is watched so rotated files are noticed when created
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.WithError(err).Warn("file notifications unavailable, polling")
		} else {
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	t.logger.WithField("offset", t.offset).Info("tailing lease log")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}

			t.logger.WithError(err).Debug("file notification error")

			continue
		case <-ticker.C:
		}

		if err := t.readAvailable(ctx, fn); err != nil {
			t.logger.WithError(err).Warn("lease log read error")
		}
	}
}

// readAvailable reads complete lines up to the end of the file,
// reopening the path once the current file was rotated or truncated.
func (t *Tailer) readAvailable(ctx context.Context, fn func(line string)) error {
	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			// rotation in progress, the new file shows up later
			return nil
		}

		return errors.Wrap(ErrTail, err.Error())
	}

	switch {
	case !os.SameFile(t.info, info):
		// lines written to the rotated file before it was moved
		t.readLines(ctx, fn)

		t.logger.Info("lease log rotated, reopening")

		if err := t.open(false); err != nil {
			return err
		}
	case info.Size() < t.offset:
		t.logger.Info("lease log truncated, reading from the start")

		if _, err := t.fh.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(ErrTail, err.Error())
		}

		t.offset = 0
		t.partial = ""
		t.reader.Reset(t.fh)
	}

	t.readLines(ctx, fn)

	return nil
}

func (t *Tailer) readLines(ctx context.Context, fn func(line string)) {
	for ctx.Err() == nil {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))

		if err != nil {
			// incomplete line, the remainder is appended on the next read
			t.partial += chunk
			return
		}

		line := strings.TrimRight(t.partial+chunk, "\r\n")
		t.partial = ""

		if strings.TrimSpace(line) != "" {
			fn(line)
		}
	}
}
