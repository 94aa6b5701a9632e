package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LOG_BUFFER_SIZE = 1000

var ErrLogNotInitialized = errors.New("log object is not initialized yet")

const (
	LOG_LEVEL_ERROR = iota + 1
	LOG_LEVEL_WARN
	LOG_LEVEL_INFO
	LOG_LEVEL_DEBUG
)

// LoggerOptions selects where a MetricsLogger writes and how much.
type LoggerOptions struct {
	Dir      string
	FileName string
	Level    int
	// Stderr mirrors every line to standard error.
	Stderr  bool
	Rewrite bool
}

// MetricsLogger hands log lines to a single writer goroutine through a
// buffered channel so request handlers never block on file I/O.
// The zero value is usable: LogEvent drops the line and reports
// ErrLogNotInitialized.
type MetricsLogger struct {
	logBuffer         chan LeveledLogger
	handle            *os.File
	wg                *sync.WaitGroup
	mu                sync.RWMutex
	loggerInitialized bool
	zapLogger         *zap.Logger
}

type LeveledLogger struct {
	level  int
	logMsg string
}

func (m *MetricsLogger) Init(opts LoggerOptions) error {
	var err error

	CheckAndCreateLogFolder(opts.Dir)

	m.wg = new(sync.WaitGroup)
	m.logBuffer = make(chan LeveledLogger, LOG_BUFFER_SIZE)

	flags := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if opts.Rewrite {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	m.handle, err = os.OpenFile(filepath.Join(opts.Dir, opts.FileName), flags, 0666)
	if err != nil {
		return err
	}

	m.zapLoggerInit(opts)

	m.wg.Add(1)
	go m.logWritter()

	m.mu.Lock()
	m.loggerInitialized = true
	m.mu.Unlock()
	return nil
}

func (m *MetricsLogger) zapLoggerInit(opts LoggerOptions) {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(config)

	level := ZapLevel(opts.Level)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(m.handle), level)}
	if opts.Stderr {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}
	m.zapLogger = zap.New(zapcore.NewTee(cores...))
}

// ZapLevel maps the numeric LOG_LEVEL_* values onto zap levels. Unknown
// values fall back to info.
func ZapLevel(level int) zapcore.Level {
	switch level {
	case LOG_LEVEL_ERROR:
		return zapcore.ErrorLevel
	case LOG_LEVEL_WARN:
		return zapcore.WarnLevel
	case LOG_LEVEL_DEBUG:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (m *MetricsLogger) logWritter() {
	for logdata := range m.logBuffer {
		switch logdata.level {
		case LOG_LEVEL_ERROR:
			m.zapLogger.Error(logdata.logMsg)
		case LOG_LEVEL_WARN:
			m.zapLogger.Warn(logdata.logMsg)
		case LOG_LEVEL_DEBUG:
			m.zapLogger.Debug(logdata.logMsg)
		default:
			m.zapLogger.Info(logdata.logMsg)
		}
	}
	_ = m.zapLogger.Sync()
	m.wg.Done()
}

// LogEvent accepts either a single message (logged at info) or a LOG_LEVEL_*
// followed by the values making up the message.
func (m *MetricsLogger) LogEvent(v ...interface{}) error {
	if m == nil {
		return ErrLogNotInitialized
	}

	var msg string
	level := LOG_LEVEL_INFO

	if len(v) == 1 {
		msg = fmt.Sprint(v[0])
	} else if len(v) > 1 {
		if l, ok := v[0].(int); ok && l >= LOG_LEVEL_ERROR && l <= LOG_LEVEL_DEBUG {
			level = l
			msg = fmt.Sprintf("%v", v[1:])
		} else {
			msg = fmt.Sprintf("%v", v)
		}
		msg = msg[1 : len(msg)-1]
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loggerInitialized {
		return ErrLogNotInitialized
	}
	m.logBuffer <- LeveledLogger{level, msg}
	return nil
}

// DeInit flushes pending lines and closes the log file.
func (m *MetricsLogger) DeInit() {
	m.mu.Lock()
	if !m.loggerInitialized {
		m.mu.Unlock()
		return
	}
	m.loggerInitialized = false
	close(m.logBuffer)
	m.mu.Unlock()

	m.wg.Wait()
	m.handle.Close()
}

func CheckAndCreateLogFolder(FolderNameWithPath string) {
	_, err := os.Stat(FolderNameWithPath)

	if os.IsNotExist(err) {
		err := os.MkdirAll(FolderNameWithPath, 0755)
		if err != nil {
			fmt.Println("Failed to create the log folder and Mkdir err :: ", err)
		}
	}
}
