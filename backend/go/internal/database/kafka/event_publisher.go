package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"linsight/backend/go/internal/models"
)

// messageWriter 是 kafka.Writer 的最小子集, 便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventPublisher 将总线事件镜像到 Kafka, 供下游分析使用。
type EventPublisher struct {
	writer messageWriter
	topic  string
}

// NewEventPublisher 基于单例客户端的 writer 创建一个 EventPublisher。
func NewEventPublisher(client *KafkaClient, topic string) *EventPublisher {
	return &EventPublisher{writer: client.Writer, topic: topic}
}

// Publish 将事件序列化为 JSON 并发送, key 为 session_version_id。
func (p *EventPublisher) Publish(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(evt.SessionVersionID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	return nil
}
