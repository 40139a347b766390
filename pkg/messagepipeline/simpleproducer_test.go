package messagepipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newPubsubTestClient(t *testing.T, ctx context.Context) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGoogleSimplePublisher_RelaysMeasurement(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)
	client := newPubsubTestClient(t, testCtx)

	topic, err := client.CreateTopic(testCtx, "homeflow-relay")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(testCtx, "homeflow-relay-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	publisher, err := messagepipeline.NewGoogleSimplePublisher(testCtx, messagepipeline.NewGoogleSimplePublisherDefaults("homeflow-relay"), client, zerolog.Nop())
	require.NoError(t, err)

	m := types.NewMeasurement("esp32", map[string]string{"devices": "esp32", "location": "house"}, map[string]any{"temperature": 21.5}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := delivery.NewRelaySink(publisher)
	_, err = sink.Deliver(testCtx, m)
	require.NoError(t, err)

	var mu sync.Mutex
	var received *pubsub.Message
	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)
	go func() {
		err := sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			mu.Lock()
			received = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Subscription receive error: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, 5*time.Second, 50*time.Millisecond, "did not receive message in time")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "esp32", received.Attributes["measurement"])
	assert.Equal(t, "esp32", received.Attributes["device"])
	var got types.Measurement
	require.NoError(t, json.Unmarshal(received.Data, &got))
	assert.Equal(t, 21.5, got.Fields["temperature"])

	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, publisher.Stop(stopCtx))
}

func TestNewGoogleSimplePublisher_TopicDoesNotExist(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(testCancel)
	client := newPubsubTestClient(t, testCtx)

	publisher, err := messagepipeline.NewGoogleSimplePublisher(testCtx, messagepipeline.NewGoogleSimplePublisherDefaults("non-existent-topic"), client, zerolog.Nop())

	require.Error(t, err)
	assert.Nil(t, publisher)
	assert.Contains(t, err.Error(), "pubsub topic non-existent-topic does not exist")
}
