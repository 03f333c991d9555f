package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/model"
)

type Producer struct {
	voteWriter       *kafka.Writer
	settlementWriter *kafka.Writer
	ctx              context.Context
	partitionCount   int // 投票主题的分区数量
}

func NewProducer(cfg *config.Config) (*Producer, error) {
	ctx := context.Background()

	// 获取投票主题分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Kafka.Brokers[0], cfg.Kafka.VoteTopic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.Kafka.VoteTopic {
			topicPartitions++
		}
	}

	log.Printf("生产者检测到Kafka主题 %s 有 %d 个分区", cfg.Kafka.VoteTopic, topicPartitions)

	// 使用Hash分区器，基于消息Key进行分区路由
	voteWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.VoteTopic,
		Balancer: &kafka.Hash{},
	}

	settlementWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.SettlementTopic,
		Balancer: &kafka.Hash{},
	}

	return &Producer{
		voteWriter:       voteWriter,
		settlementWriter: settlementWriter,
		ctx:              ctx,
		partitionCount:   topicPartitions,
	}, nil
}

// SendVoteEvent 发送投票事件到Kafka
// 使用pollID作为分区key，确保同一投票的事件进入同一分区，顺序消费
func (p *Producer) SendVoteEvent(event *model.VoteEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投票事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PollID),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.voteWriter.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}

	return nil
}

// SendSettlementEvent 发送结算事件到Kafka
// 结算事务已提交，发送失败只影响下游通知，不影响结算本身
func (p *Producer) SendSettlementEvent(event *model.SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PollID),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.settlementWriter.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送结算事件失败: %w", err)
	}

	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	if err := p.voteWriter.Close(); err != nil {
		return err
	}
	return p.settlementWriter.Close()
}
