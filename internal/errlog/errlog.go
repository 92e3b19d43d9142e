// Package errlog writes the dedicated error record, a JSON lines file of events
// the pipeline could not act on and that need operator attention.
package errlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind classifies error record entries.
type Kind string

const (
	KindMACNotFound     Kind = "MAC_NOT_FOUND"
	KindMalformedLease  Kind = "MALFORMED_LEASE"
	KindDeadLetter      Kind = "DEAD_LETTER"
	KindHardeningFailed Kind = "HARDENING_FAILED"
)

var ErrOpen = errors.New("error record open error")

// Recorder appends entries to the error record.
type Recorder struct {
	mu     sync.Mutex
	logger *logrus.Logger
	closer io.Closer
}

// New opens, or creates the error record at path.
func New(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(ErrOpen, err.Error())
	}

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(ErrOpen, err.Error())
	}

	r := NewWithWriter(fh)
	r.closer = fh

	return r, nil
}

// NewWithWriter returns a Recorder writing to w.
func NewWithWriter(w io.Writer) *Recorder {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "error_type",
		},
	})

	return &Recorder{logger: logger}
}

// Record appends an entry of the given kind.
func (r *Recorder) Record(kind Kind, fields logrus.Fields) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.WithFields(fields).Error(string(kind))
}

// MACNotFound records a lease whose hardware address matched no inventory interface.
func (r *Recorder) MACNotFound(lease *model.LeaseEvent) {
	r.Record(KindMACNotFound, logrus.Fields{
		"mac_address":  lease.MAC,
		"ip_address":   lease.IP,
		"network_type": lease.NetworkType,
		"site":         lease.Site,
		"source":       lease.Source,
		"message":      "MAC address not found in inventory",
	})
}

// MalformedLease records a lease observation that could not be parsed.
func (r *Recorder) MalformedLease(source, input string, err error) {
	r.Record(KindMalformedLease, logrus.Fields{
		"source":  source,
		"input":   input,
		"message": err.Error(),
	})
}

// Close closes the underlying file, if any.
func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}

	return r.closer.Close()
}
