package worker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/version"
)

var (
	livenessBucket = model.AppName + "-workers"
	checkinCadence = 30 * time.Second

	// a worker missing three check-ins is dropped from the registry
	livenessTTL = 3 * checkinCadence

	ErrLiveness = errors.New("worker liveness registry error")
)

// Checkin is the registry entry of a running worker.
type Checkin struct {
	ID          string        `json:"id"`
	Stage       model.AppKind `json:"stage"`
	Version     string        `json:"version"`
	StartedAt   time.Time     `json:"started_at"`
	LastCheckin time.Time     `json:"last_checkin"`
}

// Liveness periodically checks the worker in with a NATS KV registry,
// entries of workers that stopped checking in expire with the bucket TTL.
type Liveness struct {
	kv      nats.KeyValue
	checkin Checkin
	logger  *logrus.Logger
}

func livenessKV(js nats.JetStreamContext, replicas int) (nats.KeyValue, error) {
	kv, err := js.KeyValue(livenessBucket)
	if err == nil {
		return kv, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, errors.Wrap(ErrLiveness, err.Error())
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      livenessBucket,
		Description: model.AppName + " active workers",
		TTL:         livenessTTL,
		Replicas:    replicas,
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(ErrLiveness, err.Error())
	}

	return kv, nil
}

// NewLiveness binds to, or creates the worker registry.
func NewLiveness(js nats.JetStreamContext, replicas int, w *Worker) (*Liveness, error) {
	kv, err := livenessKV(js, replicas)
	if err != nil {
		return nil, err
	}

	return &Liveness{
		kv: kv,
		checkin: Checkin{
			ID:        w.id,
			Stage:     w.stage,
			Version:   version.Current().AppVersion,
			StartedAt: time.Now().UTC(),
		},
		logger: w.logger,
	}, nil
}

func (l *Liveness) put() error {
	l.checkin.LastCheckin = time.Now().UTC()

	b, err := json.Marshal(&l.checkin)
	if err != nil {
		return err
	}

	_, err = l.kv.Put(l.checkin.ID, b)

	return err
}

// Run checks in until the context is canceled, then removes the registry entry.
func (l *Liveness) Run(ctx context.Context) {
	if err := l.put(); err != nil {
		l.logger.WithError(err).Warn("unable to do initial worker liveness registration")
	}

	tick := time.NewTicker(checkinCadence)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if err := l.put(); err != nil {
				l.logger.WithError(err).
					WithField("id", l.checkin.ID).
					Warn("worker checkin failed")
			}
		case <-ctx.Done():
			l.logger.Info("liveness check-in stopping on done context")

			if err := l.kv.Delete(l.checkin.ID); err != nil {
				l.logger.WithError(err).Debug("worker registry entry delete failed")
			}

			return
		}
	}
}

// ActiveWorkers returns the workers that checked in within the registry TTL, ordered by stage.
func ActiveWorkers(js nats.JetStreamContext) ([]Checkin, error) {
	kv, err := js.KeyValue(livenessBucket)
	if err != nil {
		if errors.Is(err, nats.ErrBucketNotFound) {
			return nil, nil
		}

		return nil, errors.Wrap(ErrLiveness, err.Error())
	}

	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, errors.Wrap(ErrLiveness, err.Error())
	}

	var checkins []Checkin

	for _, key := range keys {
		entry, err := kv.Get(key)
		if err != nil {
			// expired between listing and reading
			continue
		}

		c := Checkin{}
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			continue
		}

		checkins = append(checkins, c)
	}

	sort.Slice(checkins, func(i, j int) bool {
		if checkins[i].Stage != checkins[j].Stage {
			return checkins[i].Stage < checkins[j].Stage
		}

		return checkins[i].ID < checkins[j].ID
	})

	return checkins, nil
}
