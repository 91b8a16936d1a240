package mq

import (
	"bytes"
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"superpost/pkg/trace"
)

func TestCompressRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte(`{"letterId":"L1","status":"dispatched"}`), 64)

	packed := Compress(body)
	assert.Less(t, len(packed), len(body))

	out, err := Decompress(EncodingZstd, packed)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestDecompress_PassThroughAndErrors(t *testing.T) {
	out, err := Decompress("", []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(out))

	_, err = Decompress("gzip", []byte("x"))
	assert.Error(t, err)

	_, err = Decompress(EncodingZstd, []byte("not zstd"))
	assert.Error(t, err)
}

func TestBuildPublishing(t *testing.T) {
	ctx := trace.WithContext(context.Background(), "trace-1")
	in := amqp091.Table{"x-event-id": "E1"}

	msg := buildPublishing(ctx, []byte(`{}`), in, false)
	assert.Equal(t, "trace-1", msg.Headers[trace.HeaderName])
	assert.Equal(t, "E1", msg.Headers["x-event-id"])
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Empty(t, msg.ContentEncoding)
	_, mutated := in[trace.HeaderName]
	assert.False(t, mutated)

	msg = buildPublishing(ctx, []byte(`{"a":1}`), nil, true)
	assert.Equal(t, EncodingZstd, msg.ContentEncoding)
	out, err := Decompress(msg.ContentEncoding, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(out))
}

func TestDLQExchangeName(t *testing.T) {
	assert.Equal(t, "superpost.events.dlq", DLQExchangeName(""))
	assert.Equal(t, "custom.dlq", DLQExchangeName("custom"))
}
