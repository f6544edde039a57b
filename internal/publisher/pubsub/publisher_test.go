package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/crawlpit/crawlpit/internal/publisher/pubsub"
)

func TestPublisherPublishesJSONPayload(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := gpubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "task-lifecycle")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "sub-id", gpubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	publisher := pubsub.New(topic)
	id, err := publisher.Publish(ctx, "task-lifecycle", map[string]string{"task_id": "t1", "lifecycle": "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	received := make(chan *gpubsub.Message, 1)
	go func() {
		_ = sub.Receive(ctx, func(_ context.Context, msg *gpubsub.Message) {
			received <- msg
			msg.Ack()
		})
	}()

	msg := <-received
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	require.Equal(t, "t1", payload["task_id"])
	require.Equal(t, "completed", payload["lifecycle"])
}
