package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/config"
)

func TestMissingTopics(t *testing.T) {
	existing := []kafka.Partition{
		{Topic: "linsight_audit", ID: 0},
		{Topic: "linsight_audit", ID: 1},
	}
	cfg := &config.KafkaConfig{
		Topics:            []string{"linsight_audit", "linsight_events", ""},
		EventsTopic:       "linsight_events",
		Partitions:        3,
		ReplicationFactor: 2,
	}

	topics := missingTopics(existing, cfg)
	require.Len(t, topics, 1)
	assert.Equal(t, "linsight_events", topics[0].Topic)
	assert.Equal(t, 3, topics[0].NumPartitions)
	assert.Equal(t, 2, topics[0].ReplicationFactor)
}

func TestMissingTopics_ZeroCountsFallBackToOne(t *testing.T) {
	topics := missingTopics(nil, &config.KafkaConfig{EventsTopic: "events"})
	require.Len(t, topics, 1)
	assert.Equal(t, 1, topics[0].NumPartitions)
	assert.Equal(t, 1, topics[0].ReplicationFactor)
}

func TestMissingTopics_AllPresent(t *testing.T) {
	existing := []kafka.Partition{{Topic: "events"}}
	assert.Empty(t, missingTopics(existing, &config.KafkaConfig{EventsTopic: "events"}))
}

func TestNewWriter(t *testing.T) {
	w := newWriter(&config.KafkaConfig{Brokers: []string{"a:9092", "b:9092"}})
	defer w.Close()

	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.Equal(t, "tcp,tcp", w.Addr.Network())
	assert.Equal(t, "a:9092,b:9092", w.Addr.String())
}

func TestKafkaClient_NilSafe(t *testing.T) {
	var c *KafkaClient
	assert.NoError(t, c.Close())
	assert.Error(t, c.HealthCheck(context.Background()))
}
