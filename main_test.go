package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/primeempire/config"
	"github.com/unixpickle/primeempire/master"
	"github.com/unixpickle/primeempire/taskpool"
)

func TestReadNumbers(t *testing.T) {
	numbers, err := readNumbers("", nil)
	require.NoError(t, err)
	require.Equal(t, defaultNumbers, numbers)

	numbers, err = readNumbers("", []string{"2", "3", "17"})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 17}, numbers)

	_, err = readNumbers("", []string{"2", "x"})
	require.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(path, []byte("[5, 7, 9]"), 0644))
	numbers, err = readNumbers(path, nil)
	require.NoError(t, err)
	require.Equal(t, []int{5, 7, 9}, numbers)

	_, err = readNumbers(path, []string{"1"})
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0644))
	_, err = readNumbers(empty, nil)
	require.ErrorIs(t, err, master.ErrNoInput)
}

func newStatusMaster(t *testing.T) *master.Master {
	pool := taskpool.New(taskpool.DefaultConfig(), logging.NoLog{})
	t.Cleanup(pool.Terminate)
	m := master.New(master.DefaultConfig(), pool, logging.NoLog{})
	_, err := m.Distribute([]int{2, 3, 4})
	require.NoError(t, err)
	return m
}

func TestStatusHandler(t *testing.T) {
	handler := &StatusHandler{Master: newStatusMaster(t)}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status master.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.Pool.Total)
	require.Equal(t, 1, status.Pool.Available)
	require.False(t, status.Settled)
	require.Empty(t, status.Workers)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusHandlerAuth(t *testing.T) {
	handler := &StatusHandler{Master: newStatusMaster(t), Password: "admin"}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("", "admin")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMasterMainLocalWorkers(t *testing.T) {
	c := config.Default()
	c.Master.Listen = "127.0.0.1:0"
	c.Master.ChunkSize = 2
	c.Worker.IdleDelay = time.Millisecond * 10
	c.LogLevel = "off"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	require.NoError(t, MasterMain(ctx, c, []int{2, 3, 5, 7, 11}, 2))
	require.NoError(t, ctx.Err())
}

func TestNewLoggerRejectsLevel(t *testing.T) {
	c := config.Default()
	c.LogLevel = "loud"
	_, err := newLogger(c, "test")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
