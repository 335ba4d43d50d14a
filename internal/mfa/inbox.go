package mfa

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Inbox holds codes submitted out of band (for example over HTTP) until a
// waiting session claims them. Codes expire after ttl so a stale submission
// cannot satisfy a later challenge.
type Inbox struct {
	codes   *cache.Cache
	pending *cache.Cache
	poll    time.Duration
}

// NewInbox creates an inbox whose codes and pending challenges expire after ttl.
func NewInbox(ttl time.Duration) *Inbox {
	return &Inbox{
		codes:   cache.New(ttl, 2*ttl),
		pending: cache.New(ttl, 2*ttl),
		poll:    250 * time.Millisecond,
	}
}

func inboxKey(institutionID string) string {
	return strings.ToLower(strings.TrimSpace(institutionID))
}

// Submit stores a code for the institution, replacing any unclaimed one.
func (i *Inbox) Submit(institutionID, code string) {
	i.codes.Set(inboxKey(institutionID), Clean(code), cache.DefaultExpiration)
}

// Pending lists challenges that are currently waiting, oldest first.
func (i *Inbox) Pending() []Challenge {
	items := i.pending.Items()
	out := make([]Challenge, 0, len(items))
	for _, it := range items {
		if ch, ok := it.Object.(Challenge); ok {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IssuedAt.Before(out[b].IssuedAt) })
	return out
}

// AwaitCode implements CodeProvider.
func (i *Inbox) AwaitCode(ctx context.Context, ch Challenge) (string, error) {
	key := inboxKey(ch.InstitutionID)
	if ch.IssuedAt.IsZero() {
		ch.IssuedAt = time.Now()
	}
	i.pending.Set(key, ch, cache.DefaultExpiration)
	defer i.pending.Delete(key)

	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()

	for {
		if v, ok := i.codes.Get(key); ok {
			i.codes.Delete(key)
			if code, _ := v.(string); code != "" {
				return code, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ CodeProvider = (*Inbox)(nil)
