// Package directory resolves who a caller is from the id the channel sends.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"

	"helpdesk-backend/internal/dialog"
)

const (
	graphBaseURL = "https://graph.microsoft.com"
	graphScope   = "https://graph.microsoft.com/.default"
	cacheTTL     = 30 * time.Minute
)

// Directory completes a caller's name and email.
type Directory interface {
	Lookup(ctx context.Context, c dialog.Caller) dialog.Caller
}

// Static trusts what the channel sent and fills placeholders for the rest.
type Static struct{}

func (Static) Lookup(_ context.Context, c dialog.Caller) dialog.Caller { return c.WithDefaults() }

type cached struct {
	caller  dialog.Caller
	fetched time.Time
}

// Graph looks users up in Microsoft Graph using an app-only token.
type Graph struct {
	client  *http.Client
	baseURL string
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// NewGraph builds a Graph directory authenticated with client credentials
// against the tenant's Azure AD token endpoint.
func NewGraph(ctx context.Context, tenantID, clientID, clientSecret string, logger *slog.Logger) *Graph {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     microsoft.AzureADEndpoint(tenantID).TokenURL,
		Scopes:       []string{graphScope},
	}
	client := cfg.Client(ctx)
	client.Timeout = 10 * time.Second
	return newGraph(client, graphBaseURL, logger)
}

func newGraph(client *http.Client, baseURL string, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logger,
		cache:   make(map[string]cached),
		now:     time.Now,
	}
}

type graphUser struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Lookup never fails: on any error the caller keeps what it has and
// placeholders fill the gaps.
func (g *Graph) Lookup(ctx context.Context, c dialog.Caller) dialog.Caller {
	if c.ID == "" || (c.Name != "" && c.Email != "") {
		return c.WithDefaults()
	}
	if hit, ok := g.cached(c.ID); ok {
		return hit
	}
	u, err := g.fetch(ctx, c.ID)
	if err != nil {
		g.log.Warn("directory lookup failed", "user_id", c.ID, "error", err)
		return c.WithDefaults()
	}
	if c.Name == "" {
		c.Name = u.DisplayName
	}
	if c.Email == "" {
		c.Email = u.Mail
		if c.Email == "" {
			c.Email = u.UserPrincipalName
		}
	}
	c = c.WithDefaults()

	g.mu.Lock()
	g.cache[c.ID] = cached{caller: c, fetched: g.now()}
	g.mu.Unlock()
	return c
}

func (g *Graph) cached(id string) (dialog.Caller, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[id]
	if !ok || g.now().Sub(e.fetched) > cacheTTL {
		return dialog.Caller{}, false
	}
	return e.caller, true
}

func (g *Graph) fetch(ctx context.Context, id string) (graphUser, error) {
	endpoint := g.baseURL + "/v1.0/users/" + url.PathEscape(id) + "?$select=displayName,mail,userPrincipalName"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return graphUser{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return graphUser{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return graphUser{}, fmt.Errorf("graph returned %s", resp.Status)
	}
	var u graphUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return graphUser{}, fmt.Errorf("decode graph user: %w", err)
	}
	return u, nil
}
