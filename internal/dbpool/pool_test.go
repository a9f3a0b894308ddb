package dbpool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coachdesk/server/internal/config"
)

func TestConfigureDefaults(t *testing.T) {
	tests := []struct {
		name     string
		pool     config.PostgresPoolConfig
		wantOpen int
	}{
		{"zero values", config.PostgresPoolConfig{}, defaultMaxOpen},
		{"explicit", config.PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 10}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			if err != nil {
				t.Fatal(err)
			}
			defer db.Close()

			configure(db, tt.pool)
			if got := db.Stats().MaxOpenConnections; got != tt.wantOpen {
				t.Errorf("max open = %d, want %d", got, tt.wantOpen)
			}
		})
	}
}

func TestOrDefault(t *testing.T) {
	if orDefault(0, 5) != 5 || orDefault(-1, 5) != 5 || orDefault(3, 5) != 3 {
		t.Error("orDefault mismatch")
	}
}

func TestOpenFailsFastOnCancelledContext(t *testing.T) {
	retryDelay = time.Hour
	t.Cleanup(func() { retryDelay = time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := Open(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1", config.PostgresPoolConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled context should stop retries")
	}
}

func TestSharedPoolMetricsAndPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectPing()
	mock.ExpectClose()

	pool := &SharedPool{db: db}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	reg := prometheus.NewRegistry()
	unregister, err := pool.RegisterMetrics(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if n, err := promtest.GatherAndCount(reg, "go_sql_max_open_connections"); err != nil || n != 1 {
		t.Errorf("max open gauge count = %d, err = %v", n, err)
	}
	if _, err := pool.RegisterMetrics(reg); err == nil {
		t.Error("second registration on the same registry should fail")
	}
	if !unregister() {
		t.Error("unregister reported nothing removed")
	}
	if n, _ := promtest.GatherAndCount(reg, "go_sql_max_open_connections"); n != 0 {
		t.Errorf("gauges still exported after unregister: %d", n)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
