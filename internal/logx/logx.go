// Package logx 提供 SDK 内部日志：
// - Logger 接口可由宿主应用替换（zap、zerolog 或自定义实现均可）
// - 内置 logrus 适配器，配置日志路径与单文件大小上限后经 lumberjack 滚动
// - 日志配置需在实例创建前设定，创建时快照生效
package logx

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口。
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config 日志配置。Path 为空时仅输出到 stderr。
type Config struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"maxSizeMB"`
	MaxFiles  int    `yaml:"maxFiles"`
	Level     string `yaml:"level"` // debug/info/warn/error
}

var (
	mu            sync.RWMutex
	defaultLogger Logger = newLogrus(nil)
)

// Init 按配置重建内置 logrus 实例。
func Init(cfg *Config) {
	SetLogger(newLogrus(cfg))
}

// SetLogger 替换全局 logger。
func SetLogger(l Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

func get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

func newLogrus(cfg *Config) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	if cfg == nil {
		l.SetOutput(os.Stderr)
		return l
	}
	if lv, err := logrus.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		l.SetLevel(lv)
	}
	var out io.Writer = os.Stderr
	if cfg.Path != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxFiles := cfg.MaxFiles
		if maxFiles <= 0 {
			maxFiles = 3
		}
		out = &lumberjack.Logger{Filename: cfg.Path, MaxSize: maxSize, MaxBackups: maxFiles}
	}
	l.SetOutput(out)
	return l
}
