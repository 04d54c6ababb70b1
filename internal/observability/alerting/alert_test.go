package alerting

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	xerrors "BatchSigner/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFromErrorCarriesCodeAndMetadata(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodeUpstreamFailure, errors.New("nonce too low"), "broadcast",
		xerrors.WithMetadata("index", "1"))

	event := FromError(err, "0xabc", 56, 1, 3)
	assert.Equal(t, xerrors.CodeUpstreamFailure, event.Code)
	assert.Equal(t, xerrors.SeverityWarning, event.Severity)
	assert.Equal(t, "1", event.Metadata["index"])
	assert.Equal(t, 3, event.Total)
	assert.False(t, event.OccurredAt.IsZero())
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: "a"}
	bad := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(ok, bad, nil)

	err := d.Notify(context.Background(), Event{Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b: down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestLogNotifierWritesError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	n := &LogNotifier{Logger: zap.New(core)}

	require.NoError(t, n.Notify(context.Background(), Event{Code: "BROADCAST_FAILED", Message: "send failed", Index: 2}))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "send failed", entries[0].Message)
	assert.Equal(t, int64(2), entries[0].ContextMap()["index"])
}
