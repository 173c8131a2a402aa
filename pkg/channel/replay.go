package channel

import (
	"time"

	"github.com/karlseguin/ccache/v2"
)

const replayWindow = 2 * time.Minute

// replayCache suppresses re-delivery of recently handled commands. Local
// broadcasts can be re-sent by a reconnecting manager; a requestId seen
// within the window is acknowledged but not re-executed.
type replayCache struct {
	cache *ccache.Cache
}

func newReplayCache() *replayCache {
	return &replayCache{
		cache: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
}

// Seen reports whether the requestId was handled within the replay window.
func (r *replayCache) Seen(requestID string) bool {
	item := r.cache.Get(requestID)
	return item != nil && !item.Expired()
}

// Record marks the requestId as handled.
func (r *replayCache) Record(requestID string) {
	r.cache.Set(requestID, struct{}{}, replayWindow)
}
