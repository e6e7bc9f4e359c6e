package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewLogNotifier(zerolog.New(&buf))

	err := notifier.Notify(context.Background(), Notification{
		Kind:               KindExpiring,
		Title:              "Override expiring soon",
		Body:               "billing DEBUG expires in 59s",
		Tag:                "override-abc",
		OverrideID:         "abc",
		ServiceID:          "billing",
		RequireInteraction: true,
	})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "notify", entry["component"])
	assert.Equal(t, "expiring", entry["kind"])
	assert.Equal(t, "override-abc", entry["tag"])
	assert.Equal(t, "Override expiring soon", entry["message"])
}

func TestFanoutJoinsErrors(t *testing.T) {
	first := errors.New("first")
	var delivered []string
	fan := Fanout{
		Func(func(_ context.Context, n Notification) error {
			delivered = append(delivered, "a:"+n.Tag)
			return first
		}),
		nil,
		Func(func(_ context.Context, n Notification) error {
			delivered = append(delivered, "b:"+n.Tag)
			return nil
		}),
	}
	err := fan.Notify(context.Background(), Notification{Tag: "t"})
	assert.ErrorIs(t, err, first)
	assert.Equal(t, []string{"a:t", "b:t"}, delivered)
	assert.NoError(t, Fanout{}.Notify(context.Background(), Notification{}))
}
