package ingest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
)

var errUnavailable = errors.New("nats: no responders available for request")

// flakyQueue fails the first failures publishes.
type flakyQueue struct {
	*queue.Mem
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyQueue) Publish(ctx context.Context, name queue.Name, payload []byte, msgID string) error {
	f.mu.Lock()
	f.attempts++

	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()

		return errors.Wrap(queue.ErrPublish, errUnavailable.Error())
	}
	f.mu.Unlock()

	return f.Mem.Publish(ctx, name, payload, msgID)
}

func newTestIngestor(q queue.Queue) (*Ingestor, *bytes.Buffer) {
	buf := &bytes.Buffer{}

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	i := NewIngestor(
		q,
		errlog.NewWithWriter(buf),
		&app.LeaseOptions{NetworkType: string(model.NetworkBMC), Site: "dc-east", Source: "dhcp"},
		logger,
	)

	i.now = func() time.Time { return time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC) }

	return i, buf
}

func TestIngestPublishes(t *testing.T) {
	q := queue.NewMem()
	i, _ := newTestIngestor(q)

	lease, err := i.Ingest(context.Background(), "test", "dnsmasq-dhcp[1]: DHCPACK(eth1) 10.23.0.50 a0:36:9f:c8:c0:52 ilo-server01")
	require.NoError(t, err)
	assert.Equal(t, "A0:36:9F:C8:C0:52", lease.MAC)

	delivery, err := q.Consume(context.Background(), queue.LeaseQueue, time.Second)
	require.NoError(t, err)

	event, err := model.DecodeEvent(delivery.Data())
	require.NoError(t, err)

	got, ok := event.(*model.LeaseEvent)
	require.True(t, ok)
	assert.Equal(t, "10.23.0.50", got.IP)
	assert.Equal(t, model.NetworkBMC, got.NetworkType)
	assert.Equal(t, "dc-east", got.Site)
}

func TestIngestReplayPublishedOnce(t *testing.T) {
	q := queue.NewMem()
	i, _ := newTestIngestor(q)

	line := `{"event_type":"dhcp_lease","network_type":"bmc","mac_address":"A0:36:9F:C8:C0:52","ip_address":"10.23.0.50","site":"dc-east","timestamp":"2026-02-13T12:00:00Z","source":"dhcp_server"}`

	for n := 0; n < 3; n++ {
		_, err := i.Ingest(context.Background(), "test", line)
		require.NoError(t, err)
	}

	length, err := q.Length(context.Background(), queue.LeaseQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestIngestMalformedRecorded(t *testing.T) {
	q := queue.NewMem()
	i, buf := newTestIngestor(q)

	_, err := i.Ingest(context.Background(), "test", `{"mac_address":"not-a-mac","ip_address":"10.23.0.50"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	assert.Contains(t, buf.String(), `"error_type":"MALFORMED_LEASE"`)
	assert.Contains(t, buf.String(), `"source":"test"`)

	length, err := q.Length(context.Background(), queue.LeaseQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length)
}

func TestIngestWithRetry(t *testing.T) {
	q := &flakyQueue{Mem: queue.NewMem(), failures: 1}
	i, _ := newTestIngestor(q)

	i.IngestWithRetry(context.Background(), "test", "DHCPACK(eth1) 10.23.0.50 a0:36:9f:c8:c0:52")

	assert.Equal(t, 2, q.attempts)

	length, err := q.Length(context.Background(), queue.LeaseQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestIngestWithRetryMalformedNotRetried(t *testing.T) {
	q := &flakyQueue{Mem: queue.NewMem()}
	i, _ := newTestIngestor(q)

	i.IngestWithRetry(context.Background(), "test", "garbage")

	assert.Equal(t, 0, q.attempts)
}

func TestIngestWithRetryCanceled(t *testing.T) {
	q := &flakyQueue{Mem: queue.NewMem(), failures: 100}
	i, _ := newTestIngestor(q)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	i.IngestWithRetry(ctx, "test", "DHCPACK(eth1) 10.23.0.50 a0:36:9f:c8:c0:52")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, q.attempts)
}
