package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLogger_Trace(t *testing.T) {
	query := func() (string, int64) { return "SELECT 1", 1 }

	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		elapsed time.Duration
		err     error
		want    []zapcore.Level
	}{
		{"fast query is quiet", gormlogger.Warn, 0, nil, nil},
		{"slow query warns", gormlogger.Warn, time.Second, nil, []zapcore.Level{zapcore.WarnLevel}},
		{"failed query errors", gormlogger.Warn, 0, errors.New("boom"), []zapcore.Level{zapcore.ErrorLevel}},
		{"not found is not an error", gormlogger.Warn, 0, gorm.ErrRecordNotFound, nil},
		{"silent drops everything", gormlogger.Silent, time.Second, errors.New("boom"), nil},
		{"info traces every query", gormlogger.Info, 0, nil, []zapcore.Level{zapcore.DebugLevel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			l := NewGormLogger(zap.New(core)).LogMode(tt.level)

			l.Trace(context.Background(), time.Now().Add(-tt.elapsed), query, tt.err)

			var got []zapcore.Level
			for _, entry := range logs.All() {
				got = append(got, entry.Level)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
