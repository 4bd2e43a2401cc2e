package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/gossipstate"
	"github.com/DobryySoul/gossipstate/internal/config"
)

func TestSecretCommandPrintsIdentity(t *testing.T) {
	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"secret"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	secret := strings.TrimSpace(strings.TrimPrefix(lines[0], "secret:"))
	pub, addr, err := gossipstate.DeriveIdentity(secret)
	require.NoError(t, err)
	require.Contains(t, lines[1], pub)
	require.Contains(t, lines[2], addr)
}

func TestRunRejectsInvalidState(t *testing.T) {
	root := rootCommand()
	root.SetArgs([]string{"run", "--state", "{not json"})
	require.ErrorContains(t, root.Execute(), "invalid --state")
}

func TestNodeOptionsBuildAnEngine(t *testing.T) {
	cfg := config.Default()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.Discovery = false
	cfg.GossipInterval = time.Second
	reg := prometheus.NewRegistry()

	engine, err := gossipstate.New[State](nodeOptions(cfg, slog.New(slog.DiscardHandler), reg)...)
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.Close(context.Background())) }()

	require.NoError(t, engine.Set(context.Background(), State{"status": "up"}))
	env, err := engine.Get(context.Background(), engine.Address())
	require.NoError(t, err)
	require.Equal(t, "up", env.State["status"])

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `gossipstate_envelopes{app="default"} 1`)
}
