package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/infrastructure/config"
)

func main() {
	var (
		subject string
		scopes  string
		ttl     time.Duration
	)
	flag.StringVar(&subject, "subject", "", "Token subject, e.g. an operator email (required)")
	flag.StringVar(&scopes, "scopes", strings.Join(auth.AllScopes, ","), "Comma-separated scopes")
	flag.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	flag.Parse()

	if subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: admintoken -subject <name> [-scopes crm:read,crm:write,crm:sync] [-ttl 12h]")
		os.Exit(2)
	}

	granted, err := parseScopes(scopes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewJWTService(cfg.Security).GenerateToken(subject, granted, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(token)
}

func parseScopes(raw string) ([]string, error) {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !slices.Contains(auth.AllScopes, s) {
			return nil, fmt.Errorf("unknown scope %q (valid: %s)", s, strings.Join(auth.AllScopes, ", "))
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one scope is required")
	}
	return out, nil
}
