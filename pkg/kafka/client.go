// Package kafka 提供了与 Kafka 消息队列交互的功能：作业队列与通知事件。
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

// Broker 以每个 worker 池一个 topic 的方式投递作业信封。
type Broker struct {
	brokers     []string
	topicPrefix string
	groupID     string
	writer      *kafka.Writer

	mu       sync.Mutex
	handlers map[tasks.Pool]tasks.DeliveryFunc
}

// NewBroker 初始化 Kafka 生产者。
func NewBroker(cfg config.KafkaConfig) *Broker {
	brokers := strings.Split(cfg.Brokers, ",")
	b := &Broker{
		brokers:     brokers,
		topicPrefix: cfg.TopicPrefix,
		groupID:     cfg.GroupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		handlers: map[tasks.Pool]tasks.DeliveryFunc{},
	}
	log.Info("Kafka 生产者初始化成功")
	return b
}

// Topic 返回池对应的 topic 名。
func (b *Broker) Topic(pool tasks.Pool) string {
	return b.topicPrefix + string(pool)
}

// Publish 发送一个作业信封。消息以研究 ID 为 key，同一研究的步骤落在同一分区。
func (b *Broker) Publish(ctx context.Context, pool tasks.Pool, env tasks.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.Topic(pool),
		Key:   []byte(env.Params.StudyID),
		Value: value,
	})
}

// Subscribe 登记一个池的处理函数，Run 时开始消费。
func (b *Broker) Subscribe(pool tasks.Pool, handle tasks.DeliveryFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pool] = handle
}

// Run 为每个已登记的池启动一个消费者，阻塞直到 ctx 结束或某个消费者出错。
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	handlers := make(map[tasks.Pool]tasks.DeliveryFunc, len(b.handlers))
	for pool, h := range b.handlers {
		handlers[pool] = h
	}
	b.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for pool, handle := range handlers {
		group.Go(func() error {
			return b.consume(ctx, pool, handle)
		})
	}
	return group.Wait()
}

func (b *Broker) consume(ctx context.Context, pool tasks.Pool, handle tasks.DeliveryFunc) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    b.Topic(pool),
		GroupID:  b.groupID + "-" + string(pool),
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", b.Topic(pool))

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}

		var env tasks.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		// 重试与失败回调由作业运行时负责，这里处理完即提交 offset
		if err := handle(ctx, env); err != nil {
			log.Errorf("处理作业失败: id=%s, kind=%s, err=%v", env.ID, env.Current(), err)
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// Close 关闭生产者。
func (b *Broker) Close() error {
	return b.writer.Close()
}

// EventWriter 把通知事件写入单个 topic，由外部邮件网关消费。
type EventWriter struct {
	writer *kafka.Writer
}

// NewEventWriter 创建一个写入 topic 的事件生产者。
func NewEventWriter(cfg config.KafkaConfig) *EventWriter {
	return &EventWriter{writer: &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.NotificationTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}}
}

// Publish 发送一条事件。
func (w *EventWriter) Publish(ctx context.Context, key string, value []byte) error {
	return w.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

// Close 关闭生产者。
func (w *EventWriter) Close() error {
	return w.writer.Close()
}
