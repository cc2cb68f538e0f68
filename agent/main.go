package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabnote/internal/config"
	"collabnote/internal/discovery"
	"collabnote/internal/guard"
	"collabnote/internal/identity"
	"collabnote/internal/logging"
	"collabnote/internal/notebook"
	"collabnote/internal/presence"
	"collabnote/internal/session"
	"collabnote/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collabnote-agent",
	Short: "Local-first notebook replica that syncs through a collabnote relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgent(configPath, os.LookupEnv)
		if err != nil {
			return err
		}
		log := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Service: "agent"}, os.Stderr)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
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

// agent wires the replica, the relay connections and the UI bridge.
type agent struct {
	store    *notebook.Store
	session  *session.Session
	presence *presence.Channel
	hub      *Hub
}

func (a *agent) handle(op Op) error {
	return applyOp(a.store, a.presence, op)
}

func (a *agent) publishStatus() {
	a.hub.Publish(viewMessage{
		Type:     viewStatus,
		Sync:     a.session.State().String(),
		Presence: a.presence.Connected(),
	})
}

func run(ctx context.Context, cfg config.Agent, log *slog.Logger) error {
	db, err := storage.OpenBolt(cfg.DataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openReplica(ctx, db, cfg.NotebookID, log)
	if err != nil {
		return err
	}
	persist := newPersister(store, db, log)
	defer persist.Close()

	relayURL, err := resolveRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	self, err := identity.FromToken(cfg.Token)
	if err != nil {
		log.Warn("token carries no identity, using the replica actor", "error", err)
		self = identity.Identity{ID: store.Actor(), Name: "anonymous", Token: cfg.Token}
	}

	a := &agent{store: store}
	a.hub = newHub(a.handle, log)
	g := guard.New()
	a.session = session.New(session.Options{
		NotebookID: cfg.NotebookID,
		URL:        relayURL + "/sync/" + cfg.NotebookID,
		Token:      cfg.Token,
		Store:      store,
		Guard:      g,
		Log:        log,
		OnState:    func(session.State) { a.publishStatus() },
	})
	a.presence = presence.New(presence.Options{
		PageID: cfg.PageID,
		URL:    relayURL + "/presence/" + cfg.PageID,
		Self:   self,
		Guard:  g,
		Log:    log,
	})

	unsubscribe := store.Subscribe(func(u notebook.Update) { a.hub.Publish(notebookView(u.Doc, u.Version)) })
	defer unsubscribe()
	a.presence.OnChange(func() {
		a.hub.Publish(presenceView(a.presence))
		a.publishStatus()
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: httpHandler(a.hub), ReadHeaderTimeout: 10 * time.Second}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		a.hub.run(ctx)
		return nil
	})
	grp.Go(func() error {
		version := store.Version()
		a.hub.Publish(notebookView(store.Doc(), version))
		a.hub.Publish(presenceView(a.presence))
		a.publishStatus()
		return nil
	})
	grp.Go(func() error {
		log.Info("ui bridge listening", "addr", cfg.Listen, "relay", relayURL, "notebook", cfg.NotebookID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ui bridge: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.session.Close()
		a.presence.Close()
		if err := g.WaitAll(shutdownCtx); err != nil {
			log.Warn("relay connections still held at shutdown", "live", g.Len(), "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error { return keepConnected(ctx, cfg.Reconnect, "sync", a.session.Run, a.session.Connect, log) })
	grp.Go(func() error {
		return keepConnected(ctx, cfg.Reconnect, "presence", a.presence.Run, a.presence.Connect, log)
	})

	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func httpHandler(h *Hub) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", h.serveWs)
	return router
}

// keepConnected runs the reconnect loop, or connects once and stays offline
// on failure when reconnecting is off. Edits keep landing in the local
// replica either way.
func keepConnected(ctx context.Context, reconnect bool, name string, runLoop, connectOnce func(context.Context) error, log *slog.Logger) error {
	if reconnect {
		return runLoop(ctx)
	}
	if err := connectOnce(ctx); err != nil {
		log.Warn("relay connection failed, working offline", "channel", name, "error", err)
	}
	<-ctx.Done()
	return nil
}

func resolveRelay(ctx context.Context, cfg config.Agent, log *slog.Logger) (string, error) {
	if cfg.RelayURL != "" {
		return strings.TrimRight(cfg.RelayURL, "/"), nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	entry, err := discovery.First(ctx)
	if err != nil {
		return "", fmt.Errorf("find relay: %w", err)
	}
	log.Info("relay discovered", "instance", entry.Instance, "url", entry.URL())
	return entry.URL(), nil
}
