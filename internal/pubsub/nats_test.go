package pubsub

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSBusIntegration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("RELAYLEVEL_TEST_NATS_URL"))
	if url == "" {
		t.Skip("RELAYLEVEL_TEST_NATS_URL not set")
	}
	dsn := strings.TrimSuffix(url, "/") + "/relaylevel.itest." + time.Now().Format("150405")

	a, err := NewNATSBusFromDSN(dsn)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNATSBusFromDSN(dsn)
	require.NoError(t, err)
	defer b.Close()

	var gotA, gotB recorder
	_, err = a.Subscribe(gotA.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(gotB.handle)
	require.NoError(t, err)
	require.NoError(t, a.nc.Flush())
	require.NoError(t, b.nc.Flush())

	require.NoError(t, a.Publish(context.Background(), Message{Type: ForcePopup}))
	assert.Eventually(t, func() bool { return len(gotB.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, gotA.snapshot())
}
