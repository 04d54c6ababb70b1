package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink(1)
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, Event{Fingerprint: "fp", Index: 0, Status: StatusSigning}))

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Publish(full, Event{Index: 1}), context.DeadlineExceeded)

	got := <-sink.Events()
	assert.Equal(t, "fp", got.Fingerprint)

	require.NoError(t, sink.Close())
	assert.Error(t, sink.Publish(ctx, Event{}))
}

func TestRedisSinkKeepsHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	sink := NewRedisSinkWithClient(client, "", 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Publish(ctx, Event{Fingerprint: "fp", Index: i, Total: 3, Status: StatusSigning}))
	}

	items, err := mr.List(sink.HistoryKey("fp"))
	require.NoError(t, err)
	require.Len(t, items, 2)

	var latest Event
	require.NoError(t, json.Unmarshal([]byte(items[0]), &latest))
	assert.Equal(t, 2, latest.Index)
}

func TestRabbitMQSinkRequiresURL(t *testing.T) {
	_, err := NewRabbitMQSink(RabbitMQConfig{})
	assert.Error(t, err)
}
