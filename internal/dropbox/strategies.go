package dropbox

import (
	"fmt"
	"os"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/sirupsen/logrus"
)

const (
	StrategyProto  = "proto"
	StrategyPull   = "pull"
	StrategyStdout = "stdout"
)

// Options 提取策略的超时和临时目录
type Options struct {
	DumpTimeout     time.Duration // dumpsys dropbox 单次导出
	PullTimeout     time.Duration // 列目录、设备端打包、拉取
	HostToolTimeout time.Duration // 主机 tar
	TempDir         string        // 空则使用系统临时目录
}

// OptionsFromConfig 从配置构造策略参数
func OptionsFromConfig(cfg config.DropboxConfig) Options {
	return Options{
		DumpTimeout:     time.Duration(cfg.ProtoDumpTimeout) * time.Second,
		PullTimeout:     time.Duration(cfg.PullTimeout) * time.Second,
		HostToolTimeout: time.Duration(cfg.HostToolTimeout) * time.Second,
		TempDir:         cfg.TempDir,
	}
}

func (o Options) mkdirTemp(pattern string) (string, error) {
	dir, err := os.MkdirTemp(o.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	return dir, nil
}

type strategyFactory func(dev Device, runner hostexec.Runner, opts Options, logger *logrus.Logger) Strategy

var strategyFactories = map[string]strategyFactory{
	StrategyProto: func(dev Device, _ hostexec.Runner, opts Options, logger *logrus.Logger) Strategy {
		return NewProtoStrategy(dev, opts, logger)
	},
	StrategyPull: func(dev Device, runner hostexec.Runner, opts Options, logger *logrus.Logger) Strategy {
		return NewPullStrategy(dev, runner, opts, logger)
	},
	StrategyStdout: func(dev Device, _ hostexec.Runner, opts Options, logger *logrus.Logger) Strategy {
		return NewStdoutStrategy(dev, opts, logger)
	},
}

// NewStrategies 按名称顺序构造策略列表
func NewStrategies(names []string, dev Device, runner hostexec.Runner, opts Options, logger *logrus.Logger) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		factory, ok := strategyFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown dropbox strategy %q", name)
		}
		strategies = append(strategies, factory(dev, runner, opts, logger))
	}
	return strategies, nil
}
