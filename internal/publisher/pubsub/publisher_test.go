package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client, srv
}

func TestPublishSeedResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "seed-results")
	require.NoError(t, err)

	pub := New(client)
	defer func() { _ = pub.Close() }()

	id, err := pub.Publish(ctx, "seed-results", crawler.SeedResult{
		JobID:   "job-1",
		SeedURL: "http://example.com/",
		Images:  []string{"http://example.com/a.png"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])

	var got crawler.SeedResult
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "http://example.com/", got.SeedURL)
	require.Equal(t, []string{"http://example.com/a.png"}, got.Images)
}

func TestPublishMissingTopicFails(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := New(client)
	defer func() { _ = pub.Close() }()

	_, err := pub.Publish(context.Background(), "does-not-exist", "payload")
	require.ErrorContains(t, err, "publish message")

	_, err = pub.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "topic is required")
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	pub := New(nil)
	_, err := pub.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, pub.Close())

	_, err = NewForProject(context.Background(), "")
	require.Error(t, err)
}
