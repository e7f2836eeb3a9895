package pulse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// appendLog is the per-channel ordered log behind the durable bus.
	// It exists as an interface so bus tests can run against an
	// in-process double instead of a Redis server.
	appendLog interface {
		// Append assigns the next sequence for the channel and stores the
		// encoded event, enforcing the entry cap and retention TTL. It
		// fails with errChannelEnded once a terminal event has been
		// appended.
		Append(ctx context.Context, channel string, encoded []byte, terminal bool) (uint64, error)
		// Range returns all retained entries for the channel, oldest
		// first.
		Range(ctx context.Context, channel string) ([]logEntry, error)
		// Head returns the last assigned sequence, or zero when the
		// channel has no history (fresh or fully expired).
		Head(ctx context.Context, channel string) (uint64, error)
	}

	// logEntry is one retained event: its sequence and the encoded
	// envelope as published.
	logEntry struct {
		seq     uint64
		payload []byte
	}

	// redisLog implements appendLog on Redis.
	redisLog struct {
		rdb *redis.Client
		ttl time.Duration
		max int
	}
)

// errChannelEnded reports an append after the channel's terminal event.
var errChannelEnded = errors.New("channel already ended")

// appendScript atomically assigns the sequence, appends the entry, trims to
// the cap, marks terminal channels, and refreshes the retention TTL. The
// single script keeps sequence order and list order identical under
// concurrent publishers.
//
// KEYS[1] sequence counter, KEYS[2] log list, KEYS[3] terminal marker.
// ARGV[1] encoded event, ARGV[2] max entries, ARGV[3] ttl millis,
// ARGV[4] "1" when the event is terminal.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[1])
redis.call('RPUSH', KEYS[2], seq .. '|' .. ARGV[1])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[2]), -1)
if ARGV[4] == '1' then
  redis.call('SET', KEYS[3], seq)
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return seq
`)

func seqKey(channel string) string      { return "runstream:seq:" + channel }
func logKey(channel string) string      { return "runstream:log:" + channel }
func terminalKey(channel string) string { return "runstream:end:" + channel }

// Append implements appendLog.
func (l *redisLog) Append(ctx context.Context, channel string, encoded []byte, terminal bool) (uint64, error) {
	term := "0"
	if terminal {
		term = "1"
	}
	res, err := appendScript.Run(ctx, l.rdb,
		[]string{seqKey(channel), logKey(channel), terminalKey(channel)},
		encoded, l.max, l.ttl.Milliseconds(), term,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", channel, err)
	}
	if res < 0 {
		return 0, errChannelEnded
	}
	return uint64(res), nil
}

// Range implements appendLog.
func (l *redisLog) Range(ctx context.Context, channel string) ([]logEntry, error) {
	raw, err := l.rdb.LRange(ctx, logKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", channel, err)
	}
	entries := make([]logEntry, 0, len(raw))
	for _, item := range raw {
		entry, err := parseEntry([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("parse entry on %s: %w", channel, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Head implements appendLog.
func (l *redisLog) Head(ctx context.Context, channel string) (uint64, error) {
	res, err := l.rdb.Get(ctx, seqKey(channel)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("head of %s: %w", channel, err)
	}
	return res, nil
}

// parseEntry splits the "<seq>|<json>" list item format written by
// appendScript.
func parseEntry(item []byte) (logEntry, error) {
	sep := bytes.IndexByte(item, '|')
	if sep <= 0 {
		return logEntry{}, errors.New("malformed log entry")
	}
	seq, err := strconv.ParseUint(string(item[:sep]), 10, 64)
	if err != nil {
		return logEntry{}, fmt.Errorf("malformed entry sequence: %w", err)
	}
	return logEntry{seq: seq, payload: item[sep+1:]}, nil
}
