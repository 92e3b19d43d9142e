package errlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMACNotFound(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewWithWriter(buf)

	r.MACNotFound(&model.LeaseEvent{
		NetworkType: model.NetworkBMC,
		MAC:         "A0:36:9F:C8:C0:52",
		IP:          "10.23.0.50",
		Site:        "dc1",
	})

	got := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	assert.Equal(t, "MAC_NOT_FOUND", got["error_type"])
	assert.Equal(t, "A0:36:9F:C8:C0:52", got["mac_address"])
	assert.Equal(t, "10.23.0.50", got["ip_address"])
	assert.Equal(t, "bmc", got["network_type"])
	assert.Contains(t, got, "time")
}

func TestRecordToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "errors.log")

	r, err := New(path)
	require.NoError(t, err)

	r.MalformedLease("dhcp", "garbage", errors.New("no ip"))
	r.MalformedLease("dhcp", "more garbage", errors.New("no mac"))
	require.NoError(t, r.Close())

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	lines := 0
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		got := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
		assert.Equal(t, "MALFORMED_LEASE", got["error_type"])
		lines++
	}

	assert.Equal(t, 2, lines)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.Record(KindDeadLetter, nil)
		_ = r.Close()
	})
}
