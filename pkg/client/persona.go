package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// PersonaRecord is a persona as returned by the vault, together with its
// integrity hash and version.
type PersonaRecord struct {
	AgentID   string         `json:"agent_id"`
	Persona   map[string]any `json:"persona"`
	Hash      string         `json:"persona_hash"`
	Version   string         `json:"persona_version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Prompt    string         `json:"prompt,omitempty"`
}

// PersonaWriteResult is returned by CreatePersona and UpdatePersona.
type PersonaWriteResult struct {
	Persona         map[string]any `json:"persona"`
	Hash            string         `json:"persona_hash"`
	Version         string         `json:"persona_version"`
	UpdatedAt       time.Time      `json:"updated_at"`
	PreviousVersion string         `json:"previous_version,omitempty"`
}

// PersonaIntegrity reports the outcome of a server-side integrity check.
type PersonaIntegrity struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	AgentID        string `json:"agent_id"`
	PersonaVersion string `json:"persona_version,omitempty"`
}

// CreatePersona registers the first persona for an agent. The vault signs
// the canonical form with the agent's API key; a persona that already
// exists yields a conflict APIError.
func (c *Client) CreatePersona(ctx context.Context, agentID string, persona map[string]any) (*PersonaWriteResult, error) {
	var res PersonaWriteResult
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona"
	if err := c.doJSON(ctx, http.MethodPost, path, persona, &res); err != nil {
		return nil, err
	}
	c.invalidatePersona(agentID)
	return &res, nil
}

// UpdatePersona replaces the agent's persona. The new version must be
// strictly greater than the current one; omit the version field to let the
// vault bump the minor version.
func (c *Client) UpdatePersona(ctx context.Context, agentID string, persona map[string]any) (*PersonaWriteResult, error) {
	var res PersonaWriteResult
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona"
	if err := c.doJSON(ctx, http.MethodPut, path, persona, &res); err != nil {
		return nil, err
	}
	c.invalidatePersona(agentID)
	return &res, nil
}

// GetPersona fetches an agent's persona. With WithPersonaCacheTTL set,
// fresh entries are served locally and stale entries revalidate via
// If-None-Match, so an unchanged persona costs a bare 304.
func (c *Client) GetPersona(ctx context.Context, agentID string, includePrompt bool) (*PersonaRecord, error) {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona"
	if includePrompt {
		path += "?include_prompt=true"
	}

	var etag string
	if c.personaCache != nil {
		if rec, tag, fresh := c.personaCache.get(agentID, includePrompt); rec != nil {
			if fresh {
				return rec, nil
			}
			etag = tag
		}
	}

	headers := http.Header{}
	if etag != "" {
		headers.Set("If-None-Match", etag)
	}

	body, respHeaders, err := c.doRaw(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return nil, err
	}

	// 304: the cached copy is still current.
	if len(body) == 0 && etag != "" {
		rec, _, _ := c.personaCache.get(agentID, includePrompt)
		if rec != nil {
			c.personaCache.refresh(agentID)
			return rec, nil
		}
	}

	var rec PersonaRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if c.personaCache != nil {
		c.personaCache.put(agentID, includePrompt, &rec, respHeaders.Get("ETag"))
	}
	return &rec, nil
}

// VerifyPersona asks the vault to recompute the stored persona's HMAC and
// compare it to the stored hash. Valid=false with reason "tampered" means
// the stored persona no longer matches its signature.
func (c *Client) VerifyPersona(ctx context.Context, agentID string) (*PersonaIntegrity, error) {
	var res PersonaIntegrity
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona/verify"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PersonaHistoryEntry is one archived persona revision.
type PersonaHistoryEntry struct {
	ID             int64          `json:"id"`
	AgentID        string         `json:"agent_id"`
	Persona        map[string]any `json:"persona"`
	PersonaHash    string         `json:"persona_hash"`
	PersonaVersion string         `json:"persona_version"`
	ChangedAt      time.Time      `json:"changed_at"`
}

// PersonaHistory lists archived persona revisions, oldest first.
func (c *Client) PersonaHistory(ctx context.Context, agentID string, limit, offset int) ([]PersonaHistoryEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var wrapper struct {
		History []PersonaHistoryEntry `json:"history"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.History, nil
}

// ExportPersona downloads the agent's persona bundle as a ZIP archive.
func (c *Client) ExportPersona(ctx context.Context, agentID string) ([]byte, error) {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/persona/export"
	body, _, err := c.doRaw(ctx, http.MethodGet, path, nil, nil)
	return body, err
}

func (c *Client) invalidatePersona(agentID string) {
	if c.personaCache != nil {
		c.personaCache.invalidate(agentID)
	}
}

// ── persona cache ────────────────────────────────────────────────────────

type personaCacheEntry struct {
	record     *PersonaRecord
	etag       string
	withPrompt bool
	fetchedAt  time.Time
}

// personaCache is a small per-agent cache with TTL freshness and ETag
// revalidation. One entry per agent; a prompt/no-prompt switch misses.
type personaCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*personaCacheEntry
}

func newPersonaCache(ttl time.Duration) *personaCache {
	return &personaCache{ttl: ttl, entries: make(map[string]*personaCacheEntry)}
}

// get returns the cached record, its ETag, and whether it is still fresh.
func (pc *personaCache) get(agentID string, withPrompt bool) (*PersonaRecord, string, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.entries[agentID]
	if !ok || e.withPrompt != withPrompt {
		return nil, "", false
	}
	return e.record, e.etag, time.Since(e.fetchedAt) < pc.ttl
}

func (pc *personaCache) put(agentID string, withPrompt bool, rec *PersonaRecord, etag string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.entries[agentID] = &personaCacheEntry{
		record:     rec,
		etag:       etag,
		withPrompt: withPrompt,
		fetchedAt:  time.Now(),
	}
}

// refresh restarts the TTL clock after a 304 revalidation.
func (pc *personaCache) refresh(agentID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e, ok := pc.entries[agentID]; ok {
		e.fetchedAt = time.Now()
	}
}

func (pc *personaCache) invalidate(agentID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.entries, agentID)
}
