package journal

import (
	"context"
	"log/slog"
	"time"

	"formicarium/core/events"
	"formicarium/core/types"
)

// Replayed is a journal entry re-published as an event.
type Replayed struct {
	Entry Entry
	event *types.Event
}

func (r Replayed) EventType() string { return r.Entry.Type }

// Event implements events.Payload.
func (r Replayed) Event() *types.Event { return r.event.Clone() }

// Follow tails the journal from after, re-publishing each new entry to sink
// in sequence order, polling every interval until ctx is cancelled. It lets a
// process observe transitions recorded by other processes sharing the journal.
func (j *Journal) Follow(ctx context.Context, after uint64, interval time.Duration, sink events.Emitter) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			page, err := j.Since(ctx, after, maxPageSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Warn("journal: follow poll failed", slog.Any("error", err))
				break
			}
			for _, entry := range page {
				evt, err := entry.Event()
				if err != nil {
					j.logger.Warn("journal: skip undecodable entry",
						slog.Uint64("sequence", entry.Sequence),
						slog.Any("error", err))
				} else {
					sink.Emit(Replayed{Entry: entry, event: evt})
				}
				after = entry.Sequence
			}
			if len(page) < maxPageSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Last returns the highest recorded sequence, or zero for an empty journal.
func (j *Journal) Last(ctx context.Context) (uint64, error) {
	var last []Entry
	if err := j.db.WithContext(ctx).Order("sequence DESC").Limit(1).Find(&last).Error; err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 0, nil
	}
	return last[0].Sequence, nil
}
