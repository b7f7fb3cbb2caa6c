package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commune/global"
	"commune/logger"
	"commune/service/auth"
	"commune/service/chat"
	"commune/service/presence"
	"commune/service/store"
	"commune/tools/ids"
)

func main() {
	if err := global.Load(); err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(global.Config.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := openStore(ctx)
	cancel()
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}

	registry := chat.NewRegistry(st)
	deps := &chat.Deps{
		Store:    st,
		Auth:     auth.New(st),
		Registry: registry,
		Hub:      chat.NewHub(st, registry),
		Presence: presence.New(context.Background()),
	}

	server := chat.NewServer(deps)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Errorf("server: %v", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Infof("shutting down on %s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Errorf("shutdown: %v", err)
			os.Exit(1)
		}
	}
}

// openStore picks mongo when configured and falls back to the
// in-process store otherwise. The in-process store loses everything on
// restart; it is for development only.
func openStore(ctx context.Context) (store.Store, error) {
	if uri := global.Config.Mongo.URI; uri != "" {
		return store.NewMongo(ctx, uri, global.Config.Mongo.Database)
	}
	logger.Warnf("no mongo configured, using the volatile in-memory store")
	return store.NewMemory(), nil
}
