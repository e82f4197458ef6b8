// Package dedup filters duplicate and self-originated events within a
// sliding time window. The server rebroadcasts every accepted mutation to
// all room members including the originator, so without source filtering
// the originator would apply its own optimistic update twice.
package dedup

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/src/types"
)

// Stats is a snapshot of deduplicator counters.
type Stats struct {
	Processed  int64 // events passed through
	Duplicates int64 // dropped as repeated ids
	Echoes     int64 // dropped as own emissions
	Untagged   int64 // passed through without metadata
	Tracked    int   // ids currently in the window
}

// Deduplicator tracks recently seen event ids and the set of ids this
// client emitted itself. One instance per namespace connection.
type Deduplicator struct {
	clientID   string
	window     time.Duration
	maxEntries int
	logger     zerolog.Logger

	mu    sync.Mutex
	seen  map[string]time.Time // event id -> first seen
	own   map[string]time.Time // ids emitted by this client
	stats Stats

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Deduplicator with a fresh client id and starts its sweep
// loop. window bounds how long a repeated id counts as a duplicate;
// maxEntries triggers an eager sweep under bursty traffic.
func New(window time.Duration, maxEntries int, logger zerolog.Logger) *Deduplicator {
	d := &Deduplicator{
		clientID:   uuid.New().String(),
		window:     window,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "dedup").Logger(),
		seen:       make(map[string]time.Time),
		own:        make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// ClientID returns the stable id stamped on this client's emissions.
func (d *Deduplicator) ClientID() string { return d.clientID }

// CreateEventMetadata returns a copy of data carrying fresh envelope
// metadata. The new id is recorded in both the seen set and the own set so
// a later echo of this exact emission is recognized either way.
func (d *Deduplicator) CreateEventMetadata(eventType string, data map[string]any) map[string]any {
	now := time.Now()
	meta := map[string]any{
		"id":        uuid.New().String(),
		"sourceId":  d.clientID,
		"timestamp": now.UnixMilli(),
	}
	if eventType != "" {
		meta["type"] = eventType
	}

	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[types.MetaKey] = meta

	id := meta["id"].(string)
	d.mu.Lock()
	d.seen[id] = now
	d.own[id] = now
	if len(d.seen) > d.maxEntries {
		d.sweepLocked(now)
	}
	d.mu.Unlock()
	return out
}

// ShouldProcess decides whether an inbound message reaches subscribers.
// Messages without metadata are always processed: raw server broadcasts
// carry no envelope and must not be silently dropped.
func (d *Deduplicator) ShouldProcess(msg types.Message) bool {
	meta := msg.Meta
	if meta == nil {
		meta = types.ExtractMeta(msg.Data)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if meta == nil {
		d.stats.Untagged++
		d.stats.Processed++
		return true
	}
	if meta.SourceID == d.clientID {
		d.stats.Echoes++
		return false
	}
	if meta.ID != "" {
		if first, ok := d.seen[meta.ID]; ok && time.Since(first) <= d.window {
			d.stats.Duplicates++
			return false
		}
		d.seen[meta.ID] = time.Now()
		if len(d.seen) > d.maxEntries {
			d.sweepLocked(time.Now())
		}
	}
	d.stats.Processed++
	return true
}

// IsDuplicate reports whether id was seen within the window.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first, ok := d.seen[id]
	return ok && time.Since(first) <= d.window
}

// IsEcho reports whether sourceID identifies this client.
func (d *Deduplicator) IsEcho(sourceID string) bool {
	return sourceID == d.clientID
}

// IsOwnEvent reports whether id was emitted by this client.
func (d *Deduplicator) IsOwnEvent(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.own[id]
	return ok
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Tracked = len(d.seen)
	return s
}

// Destroy stops the sweep loop and drops all tracked ids.
func (d *Deduplicator) Destroy() {
	d.closeOnce.Do(func() { close(d.done) })
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.own = make(map[string]time.Time)
	d.mu.Unlock()
}

// sweepInterval keeps the periodic sweep coarse: the window itself is
// short, so sweeping every window would churn for no benefit.
func (d *Deduplicator) sweepInterval() time.Duration {
	iv := 10 * d.window
	if iv < 10*time.Second {
		iv = 10 * time.Second
	}
	return iv
}

func (d *Deduplicator) sweepLoop() {
	ticker := time.NewTicker(d.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			d.sweepLocked(time.Now())
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

func (d *Deduplicator) sweepLocked(now time.Time) {
	evicted := 0
	for id, first := range d.seen {
		if now.Sub(first) > d.window {
			delete(d.seen, id)
			evicted++
		}
	}
	// Own ids are kept longer than the window so late echoes are still
	// recognizable, but not past the sweep interval.
	horizon := d.sweepInterval()
	for id, at := range d.own {
		if now.Sub(at) > horizon {
			delete(d.own, id)
		}
	}
	if evicted > 0 {
		d.logger.Debug().Int("evicted", evicted).Int("tracked", len(d.seen)).Msg("dedup sweep")
	}
}
