package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmpanel/relay/internal/config"
	"github.com/tmpanel/relay/internal/gbx"
	"github.com/tmpanel/relay/internal/hub"
	"github.com/tmpanel/relay/internal/mock"
	"github.com/tmpanel/relay/internal/registry"
	"github.com/tmpanel/relay/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use scripted fake game servers")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Mock mode needs no servers section; run on defaults when the
		// config file is simply absent.
		if *mockMode && os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	var (
		resolver registry.Resolver
		dialer   gbx.Dialer
	)
	if *mockMode {
		log.Println("Starting in mock mode (scripted game servers)")
		resolver = registry.ResolverFunc(mock.Resolver)
		dialer = &mock.Dialer{}
	} else {
		resolver = registry.ResolverFunc(func(serverID string) (gbx.ServerIdentity, error) {
			gs, ok := cfg.Lookup(serverID)
			if !ok {
				return gbx.ServerIdentity{}, fmt.Errorf("%w: %s", registry.ErrUnknownServer, serverID)
			}
			return gbx.ServerIdentity{
				ID:       gs.ID,
				Host:     gs.Host,
				Port:     gs.Port,
				User:     gs.User,
				Password: gs.Password,
			}, nil
		})
		dialer = gbx.DialerFunc(gbx.Dial)
	}

	reg := registry.New(cfg.Relay, resolver, dialer)
	h := hub.New(reg, cfg.Relay.SubscriberBuffer)
	reg.SetNotifier(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	authorizer := &ws.StaticAuthorizer{
		Tokens:         cfg.Auth.Tokens,
		AllowAnonymous: cfg.Auth.AllowAnonymous || *mockMode,
	}
	server := ws.NewServer(h, reg, authorizer, cfg.Server.AllowedOrigins)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		h.Shutdown()
		reg.Shutdown()
		// Write pumps flush their close frames off closed queues; give
		// them a beat before the process goes away.
		time.Sleep(250 * time.Millisecond)
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
