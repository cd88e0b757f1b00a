//go:build integration

package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"kyc/internal/audit"
	id "kyc/pkg/domain"
	"kyc/pkg/testutil/containers"
)

func TestKafkaSinkPublishesKeyedEvents(t *testing.T) {
	rp := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	topic := "kyc.audit." + id.NewSessionID().String()
	sink, err := audit.NewKafkaSink(ctx, rp.Brokers, topic)
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.EnsureTopic(ctx, 1, 1))
	require.NoError(t, sink.EnsureTopic(ctx, 1, 1), "existing topic is not an error")

	pub := audit.NewPublisher(sink)
	sid := id.NewSessionID()
	require.NoError(t, pub.Emit(ctx, audit.Event{SessionID: sid, Action: audit.ActionSessionAdmitted}))
	require.NoError(t, pub.Emit(ctx, audit.Event{SessionID: sid, Action: audit.ActionSessionCompleted, Decision: "approve"}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got []audit.Event
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			assert.Equal(t, sid.String(), string(r.Key))
			var e audit.Event
			require.NoError(t, json.Unmarshal(r.Value, &e))
			got = append(got, e)
		})
	}
	assert.Equal(t, audit.ActionSessionAdmitted, got[0].Action)
	assert.Equal(t, audit.ActionSessionCompleted, got[1].Action)
	assert.Equal(t, sid, got[1].SessionID)
}
