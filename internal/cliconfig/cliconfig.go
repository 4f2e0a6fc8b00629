// Package cliconfig 为 fwatch 与 canname 提供公共的配置与日志设置。
//
// 配置来源按优先级从低到高：YAML 配置文件、环境变量、命令行参数。
// 环境变量与命令行参数由 kong 通过 Flags 的标签处理。
package cliconfig

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultLogLevel 未配置时的日志级别
const DefaultLogLevel = "warning"

// File 配置文件的内容
//
// LogLevel：日志级别，取值同 logrus（debug、info、warning、error）
// Backend：通知后端，见 fwatch.Config.Backend
// BaseDir：相对路径的基准目录
type File struct {
	LogLevel string `yaml:"log_level"`
	Backend  string `yaml:"backend"`
	BaseDir  string `yaml:"base_dir"`
}

// Flags 两个命令共用的参数，嵌入 kong 的命令结构体中使用
type Flags struct {
	Config   string `help:"YAML configuration file." env:"FWATCH_CONFIG" type:"path" placeholder:"FILE"`
	LogLevel string `help:"Log level (debug, info, warning, error)." env:"FWATCH_LOG_LEVEL" placeholder:"LEVEL"`
}

// Load 读取配置文件，path 为空时返回空配置
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return f, nil
}

// Resolve 读取配置文件，并用命令行参数覆盖其中的日志级别
func (fl Flags) Resolve() (File, error) {
	f, err := Load(fl.Config)
	if err != nil {
		return f, err
	}
	if fl.LogLevel != "" {
		f.LogLevel = fl.LogLevel
	}
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}
	return f, nil
}

// Override 非空的 value 覆盖 *dst
func Override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// NewLogger 创建输出到 out 的文本日志
func NewLogger(level string, out io.Writer) (*log.Logger, error) {
	if level == "" {
		level = DefaultLogLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("no log output")
	}
	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	return logger, nil
}
