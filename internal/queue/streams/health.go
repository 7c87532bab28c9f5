package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueHealth is one probe of the step queue: how far the consumer group has
// fallen behind, how much is mid-flight, and how much sits parked in the
// delayed zset waiting for promotion. The resource guard thresholds on these.
type QueueHealth struct {
	Pending    int64 // delivered but unacked
	Lag        int64 // entries the group has not read yet; -1 when unknown
	Scheduled  int64 // delayed jobs not yet promoted onto the stream
	Consumers  int64
	OldestIdle time.Duration
}

// ProbeGroup measures queue health for the given stream and consumer group.
func ProbeGroup(ctx context.Context, client *redis.Client, stream, group string) (QueueHealth, error) {
	if client == nil {
		return QueueHealth{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return QueueHealth{}, fmt.Errorf("stream and group are required")
	}

	health := QueueHealth{Lag: -1}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return QueueHealth{}, fmt.Errorf("xinfo groups: %w", err)
	}
	for _, info := range groups {
		if info.Name != group {
			continue
		}
		health.Pending = info.Pending
		health.Lag = info.Lag
		health.Consumers = int64(info.Consumers)
		break
	}

	scheduled, err := client.ZCard(ctx, ScheduledKey).Result()
	if err != nil && err != redis.Nil {
		return QueueHealth{}, fmt.Errorf("zcard scheduled: %w", err)
	}
	health.Scheduled = scheduled

	if health.Pending > 0 {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && err != redis.Nil {
			return QueueHealth{}, fmt.Errorf("xpendingext: %w", err)
		}
		if len(entries) > 0 {
			health.OldestIdle = entries[0].Idle
		}
	}

	return health, nil
}
