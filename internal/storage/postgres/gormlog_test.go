package postgres

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGormLogger_Trace(t *testing.T) {
	stmt := func() (string, int64) { return "SELECT 1", 1 }
	tests := []struct {
		name  string
		level logger.LogLevel
		begin time.Time
		err   error
		want  string
	}{
		{"fast query is quiet", logger.Warn, time.Now(), nil, ""},
		{"slow query", logger.Warn, time.Now().Add(-time.Second), nil, "slow query"},
		{"failure", logger.Warn, time.Now(), errors.New("boom"), "query failed"},
		{"not found is quiet", logger.Warn, time.Now(), gorm.ErrRecordNotFound, ""},
		{"silent", logger.Silent, time.Now().Add(-time.Second), errors.New("boom"), ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewGormLogger(slog.New(slog.NewJSONHandler(&buf, nil))).LogMode(tc.level)
			l.Trace(context.Background(), tc.begin, stmt, tc.err)

			got := buf.String()
			if tc.want == "" {
				if got != "" {
					t.Errorf("unexpected log: %s", got)
				}
				return
			}
			if !strings.Contains(got, tc.want) || !strings.Contains(got, `"sql":"SELECT 1"`) {
				t.Errorf("log = %s, want %q with sql", got, tc.want)
			}
		})
	}
}
