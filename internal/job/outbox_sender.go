package job

import (
	"context"
	"sync"
	"time"

	"ledgersystem/internal/config"
	"ledgersystem/internal/infrastructure/mq"
	"ledgersystem/internal/model"
	"ledgersystem/internal/repository"

	"github.com/sirupsen/logrus"
)

// OutboxSender 把本地消息表中的账本事件投递到 Kafka
//
// 同一批次里某个分区键投递失败后，该键后续的消息留到下一轮，
// 保证同一账户的事件按提交顺序到达
type OutboxSender struct {
	store     repository.OutboxStore
	publisher mq.Publisher
	log       *logrus.Entry
	interval  time.Duration
	batchSize int
	maxRetry  int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewOutboxSender(store repository.OutboxStore, publisher mq.Publisher, cfg *config.Config, log *logrus.Logger) *OutboxSender {
	return &OutboxSender{
		store:     store,
		publisher: publisher,
		log:       log.WithField("job", "OutboxSender"),
		interval:  cfg.Business.OutboxInterval,
		batchSize: cfg.Business.OutboxBatchSize,
		maxRetry:  cfg.Business.MaxRetryCount,
		stopCh:    make(chan struct{}),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce 投递一批待发送消息，返回成功条数
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.store.PendingOutbox(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("查询消息失败")
		return 0
	}

	sent := 0
	blocked := make(map[string]struct{})
	for _, msg := range messages {
		if _, ok := blocked[msg.MessageKey]; ok {
			continue
		}
		if s.send(ctx, msg) {
			sent++
		} else {
			blocked[msg.MessageKey] = struct{}{}
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	logger := s.log.WithFields(logrus.Fields{
		"id":         msg.ID,
		"topic":      msg.Topic,
		"key":        msg.MessageKey,
		"event_type": msg.EventType,
	})

	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		if updateErr := s.store.MarkOutboxSent(ctx, msg.ID); updateErr != nil {
			logger.WithError(updateErr).Error("更新消息状态失败")
		} else {
			logger.Debug("消息发送成功")
		}
		return true
	}

	logger.WithError(err).Warn("消息发送失败")

	if err := s.store.IncrementOutboxRetry(ctx, msg.ID); err != nil {
		logger.WithError(err).Error("增加重试次数失败")
	}

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.store.MarkOutboxFailed(ctx, msg.ID); err != nil {
			logger.WithError(err).Error("标记消息失败状态失败")
		} else {
			logger.Error("消息超过最大重试次数，标记为失败")
		}
	}
	return false
}
