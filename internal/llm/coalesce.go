package llm

import (
	"context"
	"crypto/md5" //nolint:gosec // fingerprint, not a cryptographic use
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Coalescer deduplicates near-identical in-flight/recent non-streaming
// requests by a stable fingerprint: a keyed map protected by a mutex,
// with per-entry timestamps and opportunistic eviction at lookup time.
//
// Beyond the completed-response cache, it also tracks calls still in
// flight so that a duplicate arriving before the first one finishes
// waits for that same call instead of invoking the upstream again.
type Coalescer struct {
	mu       sync.Mutex
	entries  map[string]coalesceEntry
	inflight map[string]*coalesceCall
	ttl      time.Duration
}

type coalesceEntry struct {
	createdAt time.Time
	body      []byte
}

// coalesceCall tracks one in-flight upstream call shared by every
// duplicate request that arrives before it completes, the same shape
// golang.org/x/sync/singleflight uses internally, hand-rolled here
// rather than pulling in a dependency for a single call site.
type coalesceCall struct {
	wg   sync.WaitGroup
	body []byte
	err  error
}

// NewCoalescer builds a Coalescer with the given entry TTL.
func NewCoalescer(ttl time.Duration) *Coalescer {
	return &Coalescer{
		entries:  map[string]coalesceEntry{},
		inflight: map[string]*coalesceCall{},
		ttl:      ttl,
	}
}

// Do returns the cached body for fingerprint if one is cached and
// unexpired; otherwise, if a call for fingerprint is already in
// flight, it waits for that call's result instead of invoking fn;
// otherwise it becomes the caller that runs fn, publishes the result
// to any waiters, and — on success — stores it in the TTL cache. The
// returned bool reports whether this caller received a result it did
// not produce (a cached entry or another caller's in-flight call); the
// caller that runs fn always gets false, even when waiters shared it.
func (c *Coalescer) Do(fingerprint string, fn func() ([]byte, error)) (body []byte, err error, shared bool) {
	c.mu.Lock()
	if entry, ok := c.entries[fingerprint]; ok {
		if time.Since(entry.createdAt) <= c.ttl {
			c.mu.Unlock()
			return entry.body, nil, true
		}
		delete(c.entries, fingerprint)
	}
	if call, ok := c.inflight[fingerprint]; ok {
		c.mu.Unlock()
		call.wg.Wait()
		return call.body, call.err, true
	}

	call := &coalesceCall{}
	call.wg.Add(1)
	c.inflight[fingerprint] = call
	c.mu.Unlock()

	call.body, call.err = fn()

	c.mu.Lock()
	delete(c.inflight, fingerprint)
	if call.err == nil {
		c.entries[fingerprint] = coalesceEntry{createdAt: time.Now(), body: call.body}
	}
	c.mu.Unlock()

	call.wg.Done()
	return call.body, call.err, false
}

// Janitor periodically sweeps expired entries until ctx is cancelled,
// so a long-idle process does not hold stale response bodies for
// fingerprints that never recur. Lookup-time eviction still handles
// the common case.
func (c *Coalescer) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Coalescer) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, entry := range c.entries {
		if time.Since(entry.createdAt) > c.ttl {
			delete(c.entries, fp)
		}
	}
}

// Fingerprint computes the MD5 hex digest over the canonical JSON of
// {model, messages:<normalized>, tools}. Only non-streaming requests
// are fingerprinted by the caller; streaming requests are never
// coalesced.
func Fingerprint(req *AnthropicRequest) (string, error) {
	// Field order matches the sorted-key canonical form.
	normalized := struct {
		Messages []any           `json:"messages"`
		Model    string          `json:"model"`
		Tools    []AnthropicTool `json:"tools"`
	}{
		Model: req.Model,
		Tools: req.Tools,
	}

	for _, msg := range req.Messages {
		normalized.Messages = append(normalized.Messages, normalizeMessageForFingerprint(msg))
	}

	canonical, err := canonicalJSON(normalized)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(canonical) //nolint:gosec // fingerprint, not a cryptographic use
	return hex.EncodeToString(sum[:]), nil
}

// normalizeMessageForFingerprint extracts only the concatenated text
// from a message's text parts; tool_use/tool_result variation between
// otherwise-identical user turns does not defeat coalescing:
// duplicates meaningfully share only textual user input.
func normalizeMessageForFingerprint(msg AnthropicMessage) map[string]any {
	switch content := msg.Content.(type) {
	case string:
		return map[string]any{"role": msg.Role, "text": content}
	case []any:
		parts, err := parseContentParts(content)
		if err != nil {
			return map[string]any{"role": msg.Role, "text": ""}
		}
		var text string
		for _, p := range parts {
			if p.Type == "text" {
				text += p.Text
			}
		}
		return map[string]any{"role": msg.Role, "text": text}
	default:
		return map[string]any{"role": msg.Role, "text": ""}
	}
}

// canonicalJSON encodes v with sorted keys and no whitespace. encoding/
// json already sorts map keys on marshal and writes compact output by
// default; struct fields are already stable field order, so this is a
// thin wrapper documenting the canonicalization guarantee.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

