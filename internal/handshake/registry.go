package handshake

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// registry tracks in-flight round trips by correlation id. An entry that
// outlives its TTL is evicted by the janitor, which cancels the request and
// releases its TokenMap.
type registry struct {
	items *cache.Cache
}

func newRegistry(cleanup time.Duration) *registry {
	c := cache.New(cache.NoExpiration, cleanup)
	c.OnEvicted(func(_ string, v interface{}) {
		rc, ok := v.(*RequestContext)
		if !ok || IsTerminal(rc.State()) {
			return
		}
		rc.cancel(errExpired)
		rc.release()
	})
	return &registry{items: c}
}

func (r *registry) add(rc *RequestContext, ttl time.Duration) {
	r.items.Set(rc.CorrelationID, rc, ttl)
}

func (r *registry) get(id string) (*RequestContext, bool) {
	v, ok := r.items.Get(id)
	if !ok {
		return nil, false
	}
	rc, ok := v.(*RequestContext)
	return rc, ok
}

func (r *registry) remove(id string) {
	r.items.Delete(id)
}

// list returns live entries, oldest first.
func (r *registry) list() []*RequestContext {
	items := r.items.Items()
	out := make([]*RequestContext, 0, len(items))
	for _, it := range items {
		if rc, ok := it.Object.(*RequestContext); ok {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *registry) len() int { return r.items.ItemCount() }
