package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(ctx context.Context) error { return nil }

func TestRunAggregatesStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"all healthy", true, PingCheck(ok), StatusHealthy},
		{"critical down", true, PingCheck(func(context.Context) error { return errors.New("refused") }), StatusUnhealthy},
		{"optional down", false, PingCheck(func(context.Context) error { return errors.New("refused") }), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(nil)
			c.Register(&Component{Name: "db", Critical: true, Check: PingCheck(ok)})
			c.Register(&Component{Name: "probe", Critical: tt.critical, Check: tt.check})

			report := c.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			require.Len(t, report.Components, 2)
			assert.Equal(t, "db", report.Components[0].Name)
		})
	}
}

func TestRunTimesOutAndRecovers(t *testing.T) {
	c := NewChecker(nil)
	c.Register(&Component{Name: "slow", Critical: true, Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}})
	c.Register(&Component{Name: "panics", Check: func(context.Context) CheckResult { panic("boom") }})

	report := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Components[0].Message)
	assert.Equal(t, "check panicked", report.Components[1].Message)
}

func TestBacklogCheck(t *testing.T) {
	count := func(n int64) func(context.Context) (int64, error) {
		return func(context.Context) (int64, error) { return n, nil }
	}

	assert.Equal(t, StatusHealthy, BacklogCheck(count(2), 5)(context.Background()).Status)
	res := BacklogCheck(count(6), 5)(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, int64(6), res.Details["pending"])
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, WritableDirCheck(dir)(context.Background()).Status)

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	assert.Equal(t, StatusUnhealthy, WritableDirCheck(file)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, WritableDirCheck(filepath.Join(dir, "missing"))(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker(nil)
	c.Register(&Component{Name: "db", Critical: true,
		Check: PingCheck(func(context.Context) error { return errors.New("down") })})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "down", report.Components[0].Error)
}
