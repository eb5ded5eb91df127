package audit

import (
	"fmt"
	"sync"

	"github.com/blackwall-project/blackwall/internal/core"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends entries as JSON lines to a size-rotated file.
type FileSink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewFileSink creates a rotating JSONL sink.
func NewFileSink(cfg core.AuditFileConfig) *FileSink {
	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(entry *core.AuditEntry) error {
	data, err := entry.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error {
	return f.writer.Close()
}
