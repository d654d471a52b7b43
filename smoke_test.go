package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"freight/backend/internal/app"
	"freight/backend/internal/config"
	"freight/backend/internal/testutils"
)

func TestSmoke_Startup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping smoke test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	cfg := &config.Config{
		DBHost:              "localhost",
		DBUser:              "test",
		DBName:              "freight_test",
		WorkerConcurrency:   2,
		TenantConcurrency:   2,
		HighLaneBurst:       4,
		BatchTimeoutSeconds: 60,
		RetryBackoffBaseMS:  10,
		RetryBackoffCapMS:   100,
		CircuitBreakerRatio: 0.5,
		DefaultBatchSize:    1000,
		DefaultMaxRetries:   3,
		ServerPort:          8089,
	}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	a, err := app.New(cfg, suite.DB, suite.NSQ, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := a.Run(ctx); err != nil {
			t.Logf("app run exited: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", cfg.ServerPort))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 500*time.Millisecond)
}
