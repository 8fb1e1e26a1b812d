package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/eltadmin/alice/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Service.Interface = "127.0.0.1"
	cfg.Service.Port = 0
	return cfg
}

func TestServeExitCodes(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *config.Config)
		want   int
	}{
		{
			name: "held port",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Service.Port = held.Addr().(*net.TCPAddr).Port
			},
			want: exitBind,
		},
		{
			name:   "graceful stop",
			mutate: func(t *testing.T, cfg *config.Config) {},
			want:   exitOK,
		},
		{
			name: "graceful stop with store",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Store.Path = filepath.Join(t.TempDir(), "alice.db")
			},
			want: exitOK,
		},
		{
			name: "unopenable store",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Store.Path = filepath.Join(t.TempDir(), "missing", "alice.db")
			},
			want: exitSetup,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(t, cfg)

			// A cancelled context drains as soon as the socket is bound.
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			if got := serve(ctx, cfg, slog.New(slog.DiscardHandler)); got != tt.want {
				t.Fatalf("serve() = %d, want %d", got, tt.want)
			}
			if cfg.Store.Path != "" && tt.want == exitOK {
				if _, err := os.Stat(cfg.Store.Path); err != nil {
					t.Errorf("store not created: %v", err)
				}
			}
		})
	}
}
