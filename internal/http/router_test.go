package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/harplog/harp/action"
	"github.com/harplog/harp/internal/http/dto"
	"github.com/harplog/harp/internal/http/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	pingErr error
	actions []action.Action
	limit   int
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) ListByUniqueID(_ context.Context, id uint32, limit int) ([]action.Action, error) {
	f.limit = limit
	var out []action.Action
	for _, a := range f.actions {
		if a.ID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountByKind(_ context.Context, kind string) (int64, error) {
	if kind == "broken" {
		return 0, errors.New("relation does not exist")
	}
	var n int64
	for _, a := range f.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n, nil
}

func newTestApp(repo *fakeRepo) *fiber.App {
	stats := func() dto.StatsResponse {
		return dto.StatsResponse{QueueDepth: 3, QueueCapacity: 10, ActiveConnections: 2, Breaker: "closed"}
	}
	app := NewApp()
	SetupRouter(app, zap.NewNop(), nil,
		handlers.NewOpsHandler(repo, stats, zap.NewNop()),
		handlers.NewActionHandler(repo, zap.NewNop()),
	)
	return app
}

func get(t *testing.T, app *fiber.App, path string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	repo := &fakeRepo{}
	app := newTestApp(repo)

	status, body := get(t, app, "/health")
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","database":"ok","breaker":"closed"}`, string(body))

	repo.pingErr = errors.New("connection refused")
	status, body = get(t, app, "/health")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), `"unreachable"`)
}

func TestStats(t *testing.T) {
	status, body := get(t, newTestApp(&fakeRepo{}), "/stats")
	require.Equal(t, fiber.StatusOK, status)

	var got dto.StatsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 3, got.QueueDepth)
	assert.Equal(t, 2, got.ActiveConnections)
}

func TestMetricsEndpoint(t *testing.T) {
	status, body := get(t, newTestApp(&fakeRepo{}), "/metrics")
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestListActions(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := &fakeRepo{actions: []action.Action{
		{ID: 7, Addr: netip.MustParseAddr("10.0.0.1"), Kind: "player_join", Created: created},
		{ID: 7, Addr: netip.MustParseAddr("10.0.0.1"), Kind: "player_leave", Detail: []byte(`{"reason":"lost connection"}`), Created: created},
		{ID: 8, Addr: netip.MustParseAddr("10.0.0.2"), Kind: "player_join", Created: created},
	}}
	app := newTestApp(repo)

	status, body := get(t, app, "/api/v1/actions/7?limit=1000")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 500, repo.limit)

	var resp struct {
		OK   bool                 `json:"ok"`
		Data []dto.ActionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "10.0.0.1", resp.Data[0].IPAddress)
	assert.Nil(t, resp.Data[0].Detail)
	assert.Equal(t, map[string]any{"reason": "lost connection"}, resp.Data[1].Detail)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/v1/actions/abc", fiber.StatusBadRequest},
		{"/api/v1/actions/4294967296", fiber.StatusBadRequest},
		{"/api/v1/actions/1?limit=-1", fiber.StatusBadRequest},
		{"/api/v1/actions/1", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, _ := get(t, app, tt.path)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCountByKind(t *testing.T) {
	repo := &fakeRepo{actions: []action.Action{
		{ID: 1, Kind: "player_join"},
		{ID: 2, Kind: "player_join"},
	}}
	app := newTestApp(repo)

	status, body := get(t, app, "/api/v1/kinds/player_join/count")
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"ok":true,"data":{"kind":"player_join","count":2}}`, string(body))

	status, body = get(t, app, "/api/v1/kinds/broken/count")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Contains(t, string(body), "request_id")
}
