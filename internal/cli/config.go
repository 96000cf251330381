package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
	"github.com/ChuLiYu/probe-swarm/internal/elastic"
	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/reporter"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
)

// DefaultConfigPath 預設配置檔
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Node        NodeConfig         `yaml:"node"`
	Executor    probe.Config       `yaml:"executor"`
	Reporter    ReporterConfig     `yaml:"reporter"`
	Elastic     elastic.Config     `yaml:"elastic"`
	Tracing     tracing.Config     `yaml:"tracing"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// NodeConfig 節點設定，Coordinator 為遠端 gRPC 位址
type NodeConfig struct {
	worker.Config `yaml:",inline"`
	Coordinator   string `yaml:"coordinator"`
}

// ReporterConfig 結果輸出設定
type ReporterConfig struct {
	Log        bool                   `yaml:"log"`
	StoreURL   string                 `yaml:"store_url"` // afs URL，例如 file:///var/lib/swarm/results
	FlushEvery int                    `yaml:"flush_every"`
	Archive    reporter.ArchiveConfig `yaml:"archive"`
	Buffer     int                    `yaml:"buffer"`
}

// DefaultConfig 預設配置（配置檔不存在時使用）
func DefaultConfig() Config {
	var cfg Config
	cfg.Coordinator = coordinator.DefaultConfig()
	cfg.Node = NodeConfig{Config: worker.DefaultConfig(), Coordinator: "localhost:7070"}
	cfg.Executor = probe.Config{Kind: "http", Timeout: 10 * time.Second}
	cfg.Reporter = ReporterConfig{Log: true}
	cfg.Elastic = elastic.DefaultConfig()
	cfg.Tracing = tracing.Config{Exporter: tracing.ExporterNone}
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// loadConfig 讀取 YAML 配置；未出現的欄位保留預設值
//
// 預設路徑的檔案不存在時直接使用預設配置，明確指定的路徑不存在則回報錯誤。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// setupLogging 依設定安裝預設 slog logger
func setupLogging(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil && level != "" {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// buildReporter 依設定組合結果輸出
func buildReporter(cfg ReporterConfig, fsvc afs.Service, logger *slog.Logger) (reporter.Reporter, error) {
	var sinks reporter.Multi
	if cfg.Log {
		sinks = append(sinks, reporter.Log{Logger: logger})
	}
	if cfg.StoreURL != "" {
		sinks = append(sinks, reporter.NewStore(fsvc, cfg.StoreURL, cfg.FlushEvery))
	}
	if cfg.Archive.Endpoint != "" {
		archive, err := reporter.NewArchive(cfg.Archive)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, archive)
	}
	switch len(sinks) {
	case 0:
		return reporter.Discard{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}
