package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayshare/internal/config"
	"github.com/agentworkforce/relayshare/internal/httpapi"
	"github.com/agentworkforce/relayshare/internal/instance"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "TOML config file (defaults to RELAYSHARE_CONFIG)")
	issueToken := flag.String("issue-token", "", "print a user token for the comma separated scopes and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if strings.TrimSpace(*issueToken) != "" {
		token, err := httpapi.NewUserToken(cfg.JWTSecretOrDefault(), "owner", splitScopes(*issueToken), *tokenTTL)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Addr, err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("relayshare %s listening on %s", cfg.PublicURL, ln.Addr())
	if err := serve(ctx, cfg, ln); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// serve runs an instance on ln until ctx ends, then drains the HTTP server
// before closing the instance.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	in, err := instance.New(instance.Options{Config: cfg})
	if err != nil {
		_ = ln.Close()
		return err
	}
	in.Start()

	server := &http.Server{Handler: in.Handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		serveErr = server.Shutdown(shutdownCtx)
		cancel()
		<-errCh
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, in.Close())
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
