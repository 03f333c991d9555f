package kafka

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/model"
)

type Consumer struct {
	readers    []*kafka.Reader
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	wg         sync.WaitGroup
}

type MessageHandler func(event *model.VoteEvent) error

func NewConsumer(cfg *config.Config) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// 获取Kafka主题的分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Kafka.Brokers[0], cfg.Kafka.VoteTopic, 0)
	if err != nil {
		cancel()
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		cancel()
		return nil, err
	}

	// 统计主题的分区数量
	var topicPartitions []int
	for _, p := range partitions {
		if p.Topic == cfg.Kafka.VoteTopic {
			topicPartitions = append(topicPartitions, p.ID)
		}
	}

	log.Printf("检测到Kafka主题 %s 有 %d 个分区", cfg.Kafka.VoteTopic, len(topicPartitions))
	if len(topicPartitions) == 0 {
		log.Printf("未检测到分区，将使用消费者组模式，GroupID: %s", cfg.Kafka.GroupID)
	}

	// 每个分区一个reader，确保所有分区都被消费
	readerConfigs := buildReaderConfigs(cfg, topicPartitions)
	readers := make([]*kafka.Reader, 0, len(readerConfigs))
	for i, readerConfig := range readerConfigs {
		readers = append(readers, kafka.NewReader(readerConfig))
		if readerConfig.GroupID == "" {
			log.Printf("消费者工作线程 #%d 将处理分区: %d", i, readerConfig.Partition)
		}
	}

	return &Consumer{
		readers:    readers,
		ctx:        ctx,
		cancel:     cancel,
		numWorkers: len(readers),
	}, nil
}

// buildReaderConfigs 为每个分区生成一个Reader配置
// 未检测到分区时退回消费者组模式，由Kafka负责分区分配
func buildReaderConfigs(cfg *config.Config, topicPartitions []int) []kafka.ReaderConfig {
	if len(topicPartitions) == 0 {
		return []kafka.ReaderConfig{{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.VoteTopic,
			GroupID:  cfg.Kafka.GroupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		}}
	}

	configs := make([]kafka.ReaderConfig, 0, len(topicPartitions))
	for _, partition := range topicPartitions {
		configs = append(configs, kafka.ReaderConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.VoteTopic,
			Partition: partition,
			MinBytes:  10e3, // 10KB
			MaxBytes:  10e6, // 10MB
		})
	}
	return configs
}

// StartConsuming 开始消费消息，使用多个goroutine并发消费
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i := 0; i < len(c.readers); i++ {
		reader := c.readers[i]
		if reader == nil {
			continue
		}

		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	log.Printf("已启动 %d 个Kafka消费者工作线程", len(c.readers))
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	log.Printf("消费者工作线程 #%d 已启动", workerID)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("消费者工作线程 #%d 收到停止信号", workerID)
			return
		default:
			m, err := reader.ReadMessage(c.ctx)
			if err != nil {
				if err == context.Canceled {
					log.Printf("消费者工作线程 #%d 上下文已取消", workerID)
					return
				}
				log.Printf("消费者工作线程 #%d 读取消息失败: %v", workerID, err)
				time.Sleep(time.Second)
				continue
			}

			var event model.VoteEvent
			if err := json.Unmarshal(m.Value, &event); err != nil {
				log.Printf("消费者工作线程 #%d 解析消息失败: %v", workerID, err)
				continue
			}

			if err := handler(&event); err != nil {
				log.Printf("消费者工作线程 #%d 处理投票事件失败: %v", workerID, err)
			}
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	log.Println("正在停止所有Kafka消费者工作线程...")
	c.cancel()

	// 等待所有工作线程结束
	c.wg.Wait()

	// 关闭所有reader
	for i, reader := range c.readers {
		if reader != nil {
			if err := reader.Close(); err != nil {
				log.Printf("关闭消费者 #%d 失败: %v", i, err)
			}
		}
	}

	log.Println("所有Kafka消费者工作线程已停止")
	return nil
}
