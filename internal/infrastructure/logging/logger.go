package logging

import (
	"os"
	"strings"

	"ledgersystem/internal/config"

	"github.com/sirupsen/logrus"
)

// NewLogger 按配置创建 logrus 日志器，级别解析失败时回退到 info
func NewLogger(cfg *config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
