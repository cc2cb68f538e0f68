package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabnote/internal/config"
	"collabnote/internal/discovery"
	"collabnote/internal/logging"
	"collabnote/internal/relay"
	"collabnote/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collabnote-relay",
	Short: "Relay sync and presence traffic between collabnote agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadRelay(configPath, os.LookupEnv)
		if err != nil {
			return err
		}
		log := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Service: "relay"}, os.Stderr)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Relay, log *slog.Logger) error {
	store, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Path:   cfg.Storage.Path,
		Log:    log,
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()
	log.Info("snapshot store ready", "driver", cfg.Storage.Driver)

	var bus relay.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)
		bus = relay.NewRedisBus(rdb)
	}

	srv := relay.New(relay.Config{
		Secret:     []byte(cfg.JWTSecret),
		Storage:    store,
		Bus:        bus,
		Log:        log,
		SendBuffer: cfg.SendBuffer,
		InstanceID: cfg.InstanceID,
	})
	if cfg.JWTSecret == "" {
		log.Warn("no jwt secret configured, tokens are not verified")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		host, _ := os.Hostname()
		withdraw, err := discovery.Advertise("collabnote-"+host, port, []string{"v=1", "port=" + strconv.Itoa(port)})
		if err != nil {
			log.Warn("mdns advertisement failed", "error", err)
		} else {
			defer withdraw()
			log.Info("advertising relay over mdns", "service", discovery.Service, "port", port)
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("relay listening", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("relay shutting down")
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}
