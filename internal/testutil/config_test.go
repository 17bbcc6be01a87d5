package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults to the local test database", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(k, "")
		}
		cfg := DefaultTestDBConfig()
		assert.Equal(t, TestDBConfig{
			Host:     "localhost",
			Port:     "55432",
			User:     "placement",
			Password: "placement",
			DBName:   "placement",
		}, cfg)
	})

	t.Run("respects environment overrides", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
	})
}

func TestEnqueueRequestBuilder(t *testing.T) {
	req := NewEnqueueRequest("order-1").
		WithName(model.TaskFulfillOrderMulti).
		WithMaxRetries(1).
		Build()

	assert.Equal(t, model.TaskFulfillOrderMulti, req.Name)
	assert.Equal(t, "order-1", req.Kwargs["order_id"])
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 1, *req.MaxRetries)

	req.Normalize()
	assert.Equal(t, model.QueuePublish, req.Queue)
}

func TestTestDBConfigDSN(t *testing.T) {
	t.Setenv("DB_SSL_MODE", "")
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p@ss", DBName: "placement"}

	assert.Equal(t, "postgres://u:p%40ss@db:5432/placement?sslmode=disable", cfg.DSN(""))
	assert.Contains(t, cfg.DSN("t_abcd"), "search_path=t_abcd%2Cpublic")
}
