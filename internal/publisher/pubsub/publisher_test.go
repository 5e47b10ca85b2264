package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type layerSaved struct {
	RunID string `json:"run_id"`
	Count int    `json:"feature_count"`
}

func (l layerSaved) Attributes() map[string]string {
	return map[string]string{"run_id": l.RunID}
}

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "harvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublish(t *testing.T) {
	t.Parallel()
	client, srv := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "layers")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Stop()

	id, err := pub.Publish(ctx, "layers", layerSaved{RunID: "run-1", Count: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"run_id":"run-1","feature_count":5}`, string(msgs[0].Data))
	assert.Equal(t, "run-1", msgs[0].Attributes["run_id"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "layers", "x")
	assert.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client)
	defer pub.Stop()

	_, err = pub.Publish(context.Background(), "", "x")
	assert.Error(t, err)
	_, err = pub.Publish(context.Background(), "layers", func() {})
	assert.Error(t, err)
	_, err = pub.Publish(context.Background(), "missing-topic", "x")
	assert.Error(t, err)
}
