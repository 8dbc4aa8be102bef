package testutils

import (
	"sync"

	"go.uber.org/zap"

	"github.com/evdnx/upbot/logger"
)

// LogEntry captures one logger call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []zap.Field
}

// MockLogger records log calls for assertions.
type MockLogger struct {
	mu      sync.Mutex
	Entries []LogEntry
}

var _ logger.Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger { return &MockLogger{} }

func (l *MockLogger) add(level, msg string, fields []zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, LogEntry{Level: level, Msg: msg, Fields: fields})
}

func (l *MockLogger) Info(msg string, fields ...zap.Field)  { l.add("info", msg, fields) }
func (l *MockLogger) Warn(msg string, fields ...zap.Field)  { l.add("warn", msg, fields) }
func (l *MockLogger) Error(msg string, fields ...zap.Field) { l.add("error", msg, fields) }

// Contains reports whether any recorded message equals msg.
func (l *MockLogger) Contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if e.Msg == msg {
			return true
		}
	}
	return false
}
