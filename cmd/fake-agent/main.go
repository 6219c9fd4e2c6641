// ABOUTME: Fake agent service for local end-to-end runs of the relay
// ABOUTME: Usage: fake-agent [-addr localhost:8081] [-agent asst_fake] [-statuses queued,in_progress,completed]
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/agent-relay/internal/remote/remotetest"
)

func main() {
	addr := flag.String("addr", "localhost:8081", "listen address")
	agentID := flag.String("agent", "asst_fake", "agent id to serve")
	statuses := flag.String("statuses", "queued,in_progress,completed", "comma-separated statuses a run reports on successive polls")
	apiKey := flag.String("api-key", "", "require this api-key header")
	delay := flag.Duration("delay", 0, "latency added to every call")
	flag.Parse()

	if err := run(*addr, *agentID, *statuses, *apiKey, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, statuses, apiKey string, delay time.Duration) error {
	fake := remotetest.New(agentID)
	if s := strings.TrimSpace(statuses); s != "" {
		fake.SetRunStatuses(strings.Split(s, ",")...)
	}
	if apiKey != "" {
		fake.RequireAPIKey(apiKey)
	}
	fake.SetDelay(delay)

	srv := &http.Server{Addr: addr, Handler: fake, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fake agent %s listening on http://%s", agentID, addr)
	log.Printf("point the relay at it: AGENT_RELAY_ENDPOINT=http://%s AGENT_RELAY_AGENT_ID=%s AGENT_RELAY_API_KEY=%s", addr, agentID, keyOrPlaceholder(apiKey))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("fake agent stopped after %d calls", fake.TotalCalls())
	return nil
}

func keyOrPlaceholder(key string) string {
	if key == "" {
		return "any"
	}
	return key
}
