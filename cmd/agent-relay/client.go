// ABOUTME: Client commands talking to a running relay: health and chat
// ABOUTME: Plus token, which mints API tokens from the configured JWT secret

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/gateway"
	"github.com/2389/agent-relay/internal/relay"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
	cliTokenTTL     = 5 * time.Minute
)

// baseURL is AGENT_RELAY_URL or the configured HTTP address.
func baseURL(cfg *config.Config) string {
	if u := os.Getenv("AGENT_RELAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

// bearerToken is AGENT_RELAY_TOKEN, or a short-lived token minted from the
// configured secret. Empty when auth is off.
func bearerToken(cfg *config.Config) (string, error) {
	if t := os.Getenv("AGENT_RELAY_TOKEN"); t != "" {
		return t, nil
	}
	if cfg.Auth.JWTSecret == "" {
		return "", nil
	}
	return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("agent-relay-cli", cliTokenTTL)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	mark := func(ok bool) {
		if ok {
			green.Print("  ✓ ")
		} else {
			red.Print("  ✗ ")
		}
	}

	mark(health.Authentication.Resolved)
	fmt.Printf("Credentials: %s", health.Authentication.Method)
	if !health.Authentication.Resolved {
		fmt.Printf("unresolved")
		for _, a := range health.Authentication.Attempts {
			fmt.Printf("\n      %s: %s", a.Method, a.Reason)
		}
	}
	fmt.Println()

	mark(len(health.Configuration.Missing) == 0)
	fmt.Printf("Agent:       %s @ %s", health.Configuration.AgentID, health.Configuration.Endpoint)
	if len(health.Configuration.Missing) > 0 {
		fmt.Printf(" (missing %s)", strings.Join(health.Configuration.Missing, ", "))
	}
	fmt.Println()

	mark(health.AgentReachable)
	fmt.Printf("Reachable:   %t", health.AgentReachable)
	if health.Error != "" {
		fmt.Printf(" (%s)", health.Error)
	}
	fmt.Println()

	if health.Queue != nil {
		mark(health.Queue.Reachable)
		fmt.Printf("Queue:       reachable=%t", health.Queue.Reachable)
		if health.Queue.Depth != nil {
			fmt.Printf(" depth=%d", *health.Queue.Depth)
		}
		fmt.Println()
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	session := fs.String("session", "", "session id; reuse it to continue a conversation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return errors.New("usage: agent-relay chat [-session ID] MESSAGE")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := bearerToken(cfg)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	body, err := json.Marshal(relay.ChatRequest{Message: message, SessionID: *session})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg)+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	gray := color.New(color.FgHiBlack)
	if resp.StatusCode == http.StatusOK {
		var out relay.ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Println(out.Response)
		gray.Printf("\nthread %s  correlation %s\n", out.ThreadID, out.CorrelationID)
		return nil
	}

	var failure relay.ChatErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	if failure.Details != "" {
		return fmt.Errorf("%s (%d): %s", failure.Error, resp.StatusCode, failure.Details)
	}
	return fmt.Errorf("%s (%d)", failure.Error, resp.StatusCode)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agent-relay token [-ttl 720h] SUBJECT")
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(fs.Arg(0), *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
