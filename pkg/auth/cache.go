package auth

import (
	"strings"
	"time"

	"github.com/codeGROOVE-dev/fido"
)

// decisionCacheSize bounds the number of remembered approvals.
const decisionCacheSize = 8192

// decisionCache remembers approvals from the login endpoint so that a client
// reconnecting with the same session and channel list skips the round trip.
// Only real 2xx answers are cached; fail-open approvals never are.
type decisionCache struct {
	cache *fido.Cache[string, bool]
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		cache: fido.New[string, bool](
			fido.Size(decisionCacheSize),
			fido.TTL(ttl),
		),
	}
}

func decisionKey(sessionID, uniqueID string, channels []string) string {
	var b strings.Builder
	b.WriteString(sessionID)
	b.WriteByte(0)
	b.WriteString(uniqueID)
	for _, ch := range channels {
		b.WriteByte(0)
		b.WriteString(ch)
	}
	return b.String()
}

func (c *decisionCache) approved(key string) bool {
	ok, found := c.cache.Get(key)
	return found && ok
}

func (c *decisionCache) approve(key string) {
	c.cache.Set(key, true)
}

func (c *decisionCache) Len() int {
	return c.cache.Len()
}
