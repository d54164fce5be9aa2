package mq

import (
	"context"
	"time"

	"relay-core/pkg/logger"

	"go.uber.org/zap"
)

type outboxItem struct {
	topic   string
	key     string
	payload []byte
}

// Outbox 把热路径上的事件先放进内存队列，由后台循环批量搬运到 MQ。
// 队列满时直接丢弃，发布失败只记日志，事件是尽力而为的。
type Outbox struct {
	producer  Producer
	queue     chan outboxItem
	interval  time.Duration
	batchSize int
}

func NewOutbox(producer Producer, capacity int) *Outbox {
	return &Outbox{
		producer:  producer,
		queue:     make(chan outboxItem, capacity),
		interval:  500 * time.Millisecond, // 500ms 搬运一次
		batchSize: 50,
	}
}

// Publish 非阻塞入队，实现 Producer 接口
func (o *Outbox) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	select {
	case o.queue <- outboxItem{topic: topic, key: key, payload: payload}:
	default:
		logger.Warn("[Outbox] 队列已满，丢弃事件", zap.String("topic", topic))
	}
	return nil
}

func (o *Outbox) Start(ctx context.Context) {
	logger.Info("[Outbox] 启动事件中继服务...")
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退出前尽量把剩余事件发出去
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			o.flush(flushCtx, len(o.queue))
			cancel()
			logger.Info("[Outbox] 停止服务")
			return
		case <-ticker.C:
			o.flush(ctx, o.batchSize)
		}
	}
}

func (o *Outbox) flush(ctx context.Context, max int) int {
	sent := 0
	for i := 0; i < max; i++ {
		select {
		case item := <-o.queue:
			if err := o.producer.Publish(ctx, item.topic, item.key, item.payload); err != nil {
				logger.Warn("[Outbox] 事件投递失败", zap.String("topic", item.topic), zap.Error(err))
				continue
			}
			sent++
		default:
			return sent
		}
	}
	return sent
}
