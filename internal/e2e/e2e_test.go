package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/config"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/migration"
	"github.com/smallbiznis/allocledger/internal/observability"
	"github.com/smallbiznis/allocledger/internal/server"
	"github.com/smallbiznis/allocledger/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fx.App
	db      *gorm.DB
	node    *snowflake.Node
	flags   flagsdomain.Service
	baseURL string
	httpSrv *httptest.Server
}

var env *testEnv

// TestMain boots the whole service graph against the database named by the
// DATABASE_* variables. Set ALLOCLEDGER_E2E=1 to run it.
func TestMain(m *testing.M) {
	if strings.TrimSpace(os.Getenv("ALLOCLEDGER_E2E")) != "1" {
		fmt.Fprintln(os.Stderr, "skipping e2e: ALLOCLEDGER_E2E is not set")
		os.Exit(0)
	}

	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resetDatabase(t, env.db)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func startEnv() (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		node   *snowflake.Node
		flags  flagsdomain.Service
	)

	app := fx.New(
		fx.NopLogger,
		observability.Module,
		config.Module,
		db.Module,
		clock.Module,
		migration.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(1)
		}),
		server.Domains,
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &node, &flags),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())
	return &testEnv{
		app:     app,
		db:      dbConn,
		node:    node,
		flags:   flags,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.app.Stop(ctx)
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_RUN_MIGRATIONS", "true")
	setEnvIfEmpty("OUTBOX_ENABLED", "true")
	setEnvIfEmpty("OUTBOX_INTERVAL", "50ms")
	setEnvIfEmpty("BACKFILL_BATCH_SLEEP", "0")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

// resetDatabase empties every ledger table and reseeds the default flags.
func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	models := migration.Models()
	for i := len(models) - 1; i >= 0; i-- {
		if err := dbConn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(models[i]).Error; err != nil {
			t.Fatalf("truncate %T: %v", models[i], err)
		}
	}
	if err := env.flags.Load(context.Background()); err != nil {
		t.Fatalf("reload flags: %v", err)
	}
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func doJSON(t *testing.T, method, path string, payload any, actor string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}

	resp, err := newHTTPClient().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, body []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode %s: %v", string(body), err)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
