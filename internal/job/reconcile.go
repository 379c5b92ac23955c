package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"ledgersystem/internal/config"
	"ledgersystem/internal/repository"
	"ledgersystem/internal/service"

	"github.com/sirupsen/logrus"
)

// AccountVerifier 单账户对账
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, id string) error
}

// ReconcileReport 一轮对账的结果
type ReconcileReport struct {
	Checked    int
	Mismatched []string
	Skipped    []string // 冲突或存储异常，下一轮再查
}

// ReconcileJob 定期按账户ID分页遍历全部账户，逐个重放流水核对余额
type ReconcileJob struct {
	accounts  repository.LedgerReader
	verifier  AccountVerifier
	log       *logrus.Entry
	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewReconcileJob(accounts repository.LedgerReader, verifier AccountVerifier, cfg *config.Config, log *logrus.Logger) *ReconcileJob {
	return &ReconcileJob{
		accounts:  accounts,
		verifier:  verifier,
		log:       log.WithField("job", "ReconcileJob"),
		interval:  cfg.Business.ReconcileInterval,
		batchSize: cfg.Business.ReconcileBatchSize,
		stopCh:    make(chan struct{}),
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *ReconcileJob) RunOnce(ctx context.Context) *ReconcileReport {
	report := &ReconcileReport{}
	after := ""

	for {
		if ctx.Err() != nil {
			return report
		}

		page, err := j.accounts.ListAccounts(ctx, after, j.batchSize)
		if err != nil {
			j.log.WithError(err).Error("分页查询账户失败")
			return report
		}
		if len(page) == 0 {
			break
		}

		for _, account := range page {
			report.Checked++
			err := j.verifier.VerifyAccount(ctx, account.ID)
			switch {
			case err == nil:
			case errors.Is(err, service.ErrLedgerMismatch):
				report.Mismatched = append(report.Mismatched, account.ID)
				j.log.WithError(err).WithField("account_id", account.ID).Error("账实不符")
			default:
				report.Skipped = append(report.Skipped, account.ID)
				j.log.WithError(err).WithField("account_id", account.ID).Warn("对账跳过")
			}
		}
		after = page[len(page)-1].ID
	}

	j.log.WithFields(logrus.Fields{
		"checked":    report.Checked,
		"mismatched": len(report.Mismatched),
		"skipped":    len(report.Skipped),
	}).Info("对账完成")
	return report
}
