package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfms/telematics-gateway/internal/model"
)

const (
	allowListKey  = "devices:imei:set"
	statusHashKey = "devices:status"
	commandsKeyFmt = "devices:commands:%s"
)

// mergeStatusScript performs the field-wise read-modify-write merge
// the presence store needs: only keys present in the update overwrite
// the existing hash entry, so two connections updating the same IMEI
// never clobber each other's fields.
var mergeStatusScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
local obj = {}
if existing then
  obj = cjson.decode(existing)
end
local updates = cjson.decode(ARGV[2])
for k, v in pairs(updates) do
  obj[k] = v
end
local encoded = cjson.encode(obj)
redis.call('HSET', KEYS[1], ARGV[1], encoded)
return encoded
`)

// IsAuthorised is the sole hot-path authorisation check: O(1) set
// membership on the IMEI allow-list.
func (c *Client) IsAuthorised(ctx context.Context, imei string) (bool, error) {
	return c.SIsMember(ctx, allowListKey, imei).Result()
}

// RebuildAllowList replaces the allow-list set wholesale, used by the
// background sync to reconcile against SQL.
func (c *Client) RebuildAllowList(ctx context.Context, imeis []string) error {
	pipe := c.TxPipeline()
	pipe.Del(ctx, allowListKey)
	if len(imeis) > 0 {
		members := make([]any, len(imeis))
		for i, imei := range imeis {
			members[i] = imei
		}
		pipe.SAdd(ctx, allowListKey, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// UpsertStatusFields merges fields into the IMEI's status hash entry
// via a server-side Lua script, so concurrent writers never overwrite
// each other's partial updates.
func (c *Client) UpsertStatusFields(ctx context.Context, imei string, fields map[string]any) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode status fields: %w", err)
	}
	return mergeStatusScript.Run(ctx, c.Client, []string{statusHashKey}, imei, string(encoded)).Err()
}

// GetStatus reads and decodes a single IMEI's status hash entry.
// Returns nil, nil if the IMEI has no entry.
func (c *Client) GetStatus(ctx context.Context, imei string) (*model.DeviceStatus, error) {
	raw, err := c.HGet(ctx, statusHashKey, imei).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeStatusJSON(imei, raw)
}

// GetAllStatuses reads every IMEI's status hash entry, used by the
// background sync to flush hot entries back to SQL.
func (c *Client) GetAllStatuses(ctx context.Context) ([]*model.DeviceStatus, error) {
	raw, err := c.HGetAll(ctx, statusHashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.DeviceStatus, 0, len(raw))
	for imei, v := range raw {
		st, err := decodeStatusJSON(imei, v)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeStatusJSON(imei, raw string) (*model.DeviceStatus, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	st := &model.DeviceStatus{IMEI: imei}
	if v, ok := fields["status"].(string); ok {
		st.Status = v
	}
	if v, ok := fields["lat"].(float64); ok {
		st.Lat = v
	}
	if v, ok := fields["lon"].(float64); ok {
		st.Lon = v
	}
	if v, ok := fields["speedKmh"].(float64); ok {
		st.SpeedKmh = v
	}
	if v, ok := fields["courseDeg"].(float64); ok {
		st.CourseDeg = v
	}
	if v, ok := fields["acc"].(bool); ok {
		st.Acc = v
	}
	if v, ok := fields["satellites"].(float64); ok {
		st.Satellites = int(v)
	}
	if v, ok := fields["updatedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.UpdatedAt = t
		}
	}
	return st, nil
}

// EnqueueCommand appends a command to the IMEI's FIFO list. Callers
// that need the insert to be transactional with the SQL row (the
// common case) use presence.Store.EnqueueCommand instead.
func (c *Client) EnqueueCommand(ctx context.Context, imei string, entry *model.CommandQueueEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode command entry: %w", err)
	}
	return c.RPush(ctx, fmt.Sprintf(commandsKeyFmt, imei), encoded).Err()
}

// PopCommand removes and returns the oldest pending command for an
// IMEI, or nil if the queue is empty.
func (c *Client) PopCommand(ctx context.Context, imei string) (*model.CommandQueueEntry, error) {
	raw, err := c.LPop(ctx, fmt.Sprintf(commandsKeyFmt, imei)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry model.CommandQueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode command entry: %w", err)
	}
	return &entry, nil
}

// PushCommandFront re-inserts a command at the head of the queue,
// used when a socket write fails after PopCommand already removed it.
func (c *Client) PushCommandFront(ctx context.Context, imei string, entry *model.CommandQueueEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode command entry: %w", err)
	}
	return c.LPush(ctx, fmt.Sprintf(commandsKeyFmt, imei), encoded).Err()
}

// removeCommandByIDScript drops the first list element whose encoded
// "id" field matches ARGV[1], wherever it sits in the FIFO. Used for an
// immediate dispatch that bypasses the normal head-of-queue PopCommand
// drain, so LREM-by-value (which would need the exact original payload)
// isn't an option.
var removeCommandByIDScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local target = tonumber(ARGV[1])
for _, item in ipairs(items) do
  local obj = cjson.decode(item)
  if obj.id == target then
    redis.call('LREM', KEYS[1], 1, item)
    return 1
  end
end
return 0
`)

// RemoveCommand drops a specific queued command by ID, used after an
// immediate dispatch so the same command isn't delivered again on the
// device's next triggering packet.
func (c *Client) RemoveCommand(ctx context.Context, imei string, id int64) error {
	return removeCommandByIDScript.Run(ctx, c.Client, []string{fmt.Sprintf(commandsKeyFmt, imei)}, id).Err()
}

// ReplaceCommandQueue clears and rebuilds one IMEI's command list in
// createdAt order, used by the background sync to reconcile against SQL.
func (c *Client) ReplaceCommandQueue(ctx context.Context, imei string, entries []*model.CommandQueueEntry) error {
	key := fmt.Sprintf(commandsKeyFmt, imei)
	pipe := c.TxPipeline()
	pipe.Del(ctx, key)
	for _, entry := range entries {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode command entry: %w", err)
		}
		pipe.RPush(ctx, key, encoded)
	}
	_, err := pipe.Exec(ctx)
	return err
}
