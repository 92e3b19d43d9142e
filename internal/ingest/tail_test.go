package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string{}, c.lines...)
}

func appendFile(t *testing.T, path, s string) {
	t.Helper()

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	_, err = fh.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func newTestTailer(t *testing.T) (*Tailer, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dhcp_events.log")
	appendFile(t, path, "existing line\n")

	tl := NewTailer(path, 50*time.Millisecond, logrus.New())
	require.NoError(t, tl.open(true))

	t.Cleanup(func() { tl.fh.Close() })

	return tl, path
}

func TestTailerStartsAtEnd(t *testing.T) {
	tl, path := newTestTailer(t)
	c := &lineCollector{}

	appendFile(t, path, "first\n\nsecond\r\n")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))

	assert.Equal(t, []string{"first", "second"}, c.get())
}

func TestTailerPartialLine(t *testing.T) {
	tl, path := newTestTailer(t)
	c := &lineCollector{}

	appendFile(t, path, "DHCPACK(eth1) 10.23.0.50")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))
	assert.Empty(t, c.get())

	appendFile(t, path, " a0:36:9f:c8:c0:52\n")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))
	assert.Equal(t, []string{"DHCPACK(eth1) 10.23.0.50 a0:36:9f:c8:c0:52"}, c.get())
}

func TestTailerTruncated(t *testing.T) {
	tl, path := newTestTailer(t)
	c := &lineCollector{}

	appendFile(t, path, "a line before truncation\n")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))

	require.NoError(t, os.Truncate(path, 0))
	appendFile(t, path, "after\n")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))

	assert.Equal(t, []string{"a line before truncation", "after"}, c.get())
}

func TestTailerRotated(t *testing.T) {
	tl, path := newTestTailer(t)
	c := &lineCollector{}

	require.NoError(t, os.Rename(path, path+".1"))
	appendFile(t, path+".1", "late write to the rotated file\n")

	// path missing until the new file is created
	require.NoError(t, tl.readAvailable(context.Background(), c.add))
	assert.Empty(t, c.get())

	appendFile(t, path, "new file\n")
	require.NoError(t, tl.readAvailable(context.Background(), c.add))

	assert.Equal(t, []string{"late write to the rotated file", "new file"}, c.get())
}

func TestTailerRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "logs", "dhcp_events.log")
	tl := NewTailer(path, 50*time.Millisecond, logrus.New())
	c := &lineCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() { done <- tl.Run(ctx, c.add) }()

	// lines written before the tailer reached the end of the file are skipped,
	// keep writing until one comes through.
	require.Eventually(t, func() bool {
		if fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			_, _ = fh.WriteString("ping\n")
			fh.Close()
		}

		return len(c.get()) > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not return after cancel")
	}

	for _, line := range c.get() {
		assert.Equal(t, "ping", line)
	}
}
