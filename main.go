package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/logger"
	"github.com/eddielth/lora-trans/mqtt"
	"github.com/eddielth/lora-trans/record"
	"github.com/eddielth/lora-trans/storage"
	"github.com/eddielth/lora-trans/transformer"
)

func main() {
	flags := pflag.NewFlagSet("lora-trans", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "配置文件路径")
	flags.String("broker", "", "MQTT broker URL, overrides mqtt.broker")
	flags.String("log-level", "", "log level (debug, info, warn, error), overrides logger.level")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, flags); err != nil {
		logger.Error("%v", err)
		_ = logger.Close()
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	// 加载配置
	cfg, err := config.LoadConfig(configPath, flags)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	lc := cfg.Logger
	if err := logger.InitFromConfig(lc.Level, lc.FilePath, lc.MaxSize, lc.MaxBackups, lc.Console); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Close()

	// the dashboard record lives for the whole process and is never reset
	transformerManager, err := transformer.NewManager(cfg.Devices, record.New())
	if err != nil {
		return fmt.Errorf("初始化转换器管理器失败: %w", err)
	}

	storageManager, err := storage.NewFromConfig(cfg.Storage)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	defer storageManager.Close()

	mqttManager, err := mqtt.NewManager(cfg.MQTT, transformerManager, storageManager)
	if err != nil {
		return err
	}
	mqttManager.Processor().SetArchiveTimeout(cfg.Storage.Timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mqttManager.Start(ctx); err != nil {
		mqttManager.Stop()
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted before the broker was reachable")
			return nil
		}
		return err
	}
	defer mqttManager.Stop()

	// 监听配置文件变化
	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration...")

		if err := transformerManager.ReloadRules(newCfg.Devices); err != nil {
			return err
		}
		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("keeping log level: %v", err)
		}

		logger.Info("MQTT and storage changes take effect after a restart")
		return nil
	})
	if err != nil {
		// 不致命，继续运行
		logger.Warn("config file is not watched: %v", err)
	} else {
		logger.Info("watching config file %s", configPath)
	}

	var republish <-chan time.Time
	if cfg.MQTT.RepublishInterval > 0 {
		ticker := time.NewTicker(cfg.MQTT.RepublishInterval)
		defer ticker.Stop()
		republish = ticker.C
	}

	logger.Info("translating %s -> %s for devices %v", cfg.MQTT.InputTopic, cfg.MQTT.OutputTopic, transformerManager.Devices())

	for {
		select {
		case <-republish:
			if err := mqttManager.Processor().Republish(ctx); err != nil {
				logger.Error("republish failed: %v", err)
			}
		case <-ctx.Done():
			logger.Info("服务已安全停止")
			return nil
		}
	}
}
