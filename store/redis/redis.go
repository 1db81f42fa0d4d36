// Package redis provides Redis-backed stores for mealgate.
//
// Usage and subscription records are Redis hashes. Usage updates go through a
// Lua compare-and-swap on a version field, which makes concurrent
// reservations from several devices or instances safe.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/mealgate"
)

// Hash fields, named after the persisted document layout.
const (
	fieldLastUsage      = "lastUsageTimestamp"
	fieldCalorieCalls   = "maxCalorieAPIUsageNumRemaining"
	fieldAssistantToken = "maxAssistantTokenNumRemaining"
	fieldVersion        = "version"

	fieldEmail       = "email"
	fieldIsVIP       = "isVIP"
	fieldType        = "type"
	fieldStartDate   = "startDate"
	fieldEndDate     = "endDate"
	fieldNextType    = "nextType"
	fieldNextEndDate = "nextEndDate"
)

// Store is a Redis-backed UsageStore and EntitlementStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ mealgate.UsageStore       = (*Store)(nil)
	_ mealgate.EntitlementStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "mealgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "mealgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageKey(userID string) string {
	return s.keyPrefix + "usages:" + userID
}

func (s *Store) subscriptionKey(userKey string) string {
	return s.keyPrefix + "subscriptions:" + userKey
}

// createScript inserts a usage hash unless one exists.
// KEYS[1] = usage hash key
// ARGV[1..4] = user id, last reset (unix ms), calorie calls, assistant tokens
//
// Returns 1 if created, 0 if the hash already existed.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1],
    "userId", ARGV[1],
    "lastUsageTimestamp", ARGV[2],
    "maxCalorieAPIUsageNumRemaining", ARGV[3],
    "maxAssistantTokenNumRemaining", ARGV[4],
    "version", "1")
return 1
`)

// swapScript replaces a usage hash if its version is unchanged.
// KEYS[1] = usage hash key
// ARGV[1] = expected version
// ARGV[2..4] = last reset (unix ms), calorie calls, assistant tokens
//
// Returns 1 if swapped, 0 on version mismatch or missing hash.
var swapScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current or current ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1],
    "lastUsageTimestamp", ARGV[2],
    "maxCalorieAPIUsageNumRemaining", ARGV[3],
    "maxAssistantTokenNumRemaining", ARGV[4])
redis.call("HINCRBY", KEYS[1], "version", 1)
return 1
`)

// GetUsage returns the user's usage record.
func (s *Store) GetUsage(ctx context.Context, userID string) (mealgate.UsageRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return mealgate.UsageRecord{}, fmt.Errorf("mealgate/redis: get usage: %w", err)
	}
	if len(vals) == 0 {
		return mealgate.UsageRecord{}, mealgate.ErrNotFound
	}
	return decodeUsage(userID, vals)
}

// CreateUsage inserts rec unless the user already has a record.
func (s *Store) CreateUsage(ctx context.Context, rec mealgate.UsageRecord) (mealgate.UsageRecord, error) {
	created, err := createScript.Run(ctx, s.client,
		[]string{s.usageKey(rec.UserID)},
		rec.UserID, rec.LastResetAt.UnixMilli(), rec.ImageEstimationsRemaining, rec.AssistantTokensRemaining,
	).Int64()
	if err != nil {
		return mealgate.UsageRecord{}, fmt.Errorf("mealgate/redis: create usage: %w", err)
	}
	if created == 0 {
		return s.GetUsage(ctx, rec.UserID)
	}
	rec.LastResetAt = time.UnixMilli(rec.LastResetAt.UnixMilli()).UTC()
	rec.Version = 1
	return rec, nil
}

// SwapUsage replaces the record if its version still matches prev.
func (s *Store) SwapUsage(ctx context.Context, prev, next mealgate.UsageRecord) (bool, error) {
	swapped, err := swapScript.Run(ctx, s.client,
		[]string{s.usageKey(prev.UserID)},
		prev.Version, next.LastResetAt.UnixMilli(), next.ImageEstimationsRemaining, next.AssistantTokensRemaining,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("mealgate/redis: swap usage: %w", err)
	}
	return swapped == 1, nil
}

// DeleteUsage removes a user's usage record, for account deletion.
func (s *Store) DeleteUsage(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.usageKey(userID)).Err(); err != nil {
		return fmt.Errorf("mealgate/redis: delete usage: %w", err)
	}
	return nil
}

// GetEntitlement returns the subscription record for a user key.
func (s *Store) GetEntitlement(ctx context.Context, userKey string) (mealgate.EntitlementRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.subscriptionKey(userKey)).Result()
	if err != nil {
		return mealgate.EntitlementRecord{}, fmt.Errorf("mealgate/redis: get entitlement: %w", err)
	}
	if len(vals) == 0 {
		return mealgate.EntitlementRecord{}, mealgate.ErrNotFound
	}
	return decodeEntitlement(userKey, vals)
}

// PutEntitlement creates or replaces a subscription record.
func (s *Store) PutEntitlement(ctx context.Context, rec mealgate.EntitlementRecord) error {
	key := s.subscriptionKey(rec.UserKey)
	fields := []any{
		fieldEmail, rec.UserKey,
		fieldIsVIP, strconv.FormatBool(rec.IsActive),
		fieldType, rec.PlanName(),
		fieldStartDate, rec.StartDate.UnixMilli(),
		fieldEndDate, rec.EndDate.UnixMilli(),
	}
	if rec.HasNext {
		fields = append(fields, fieldNextType, rec.NextPlanName())
	}
	if rec.NextEndDate != nil {
		fields = append(fields, fieldNextEndDate, rec.NextEndDate.UnixMilli())
	}

	// Replace the whole hash so cleared optional fields disappear.
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mealgate/redis: put entitlement: %w", err)
	}
	return nil
}

func decodeUsage(userID string, vals map[string]string) (mealgate.UsageRecord, error) {
	rec := mealgate.UsageRecord{UserID: userID}
	var err error
	var lastMs int64
	if lastMs, err = parseInt(vals, fieldLastUsage); err != nil {
		return mealgate.UsageRecord{}, err
	}
	rec.LastResetAt = time.UnixMilli(lastMs).UTC()
	if rec.ImageEstimationsRemaining, err = parseInt(vals, fieldCalorieCalls); err != nil {
		return mealgate.UsageRecord{}, err
	}
	if rec.AssistantTokensRemaining, err = parseInt(vals, fieldAssistantToken); err != nil {
		return mealgate.UsageRecord{}, err
	}
	if rec.Version, err = parseInt(vals, fieldVersion); err != nil {
		return mealgate.UsageRecord{}, err
	}
	return rec, nil
}

func decodeEntitlement(userKey string, vals map[string]string) (mealgate.EntitlementRecord, error) {
	rec := mealgate.EntitlementRecord{
		UserKey:  userKey,
		Plan:     mealgate.ParsePlanType(vals[fieldType]),
		PlanRaw:  vals[fieldType],
		IsActive: vals[fieldIsVIP] == "true" || vals[fieldIsVIP] == "1",
	}

	start, err := parseInt(vals, fieldStartDate)
	if err != nil {
		return mealgate.EntitlementRecord{}, err
	}
	end, err := parseInt(vals, fieldEndDate)
	if err != nil {
		return mealgate.EntitlementRecord{}, err
	}
	rec.StartDate = time.UnixMilli(start).UTC()
	rec.EndDate = time.UnixMilli(end).UTC()

	if next, ok := vals[fieldNextType]; ok {
		rec.NextPlan = mealgate.ParsePlanType(next)
		rec.NextPlanRaw = next
		rec.HasNext = true
	}
	if _, ok := vals[fieldNextEndDate]; ok {
		ms, err := parseInt(vals, fieldNextEndDate)
		if err != nil {
			return mealgate.EntitlementRecord{}, err
		}
		t := time.UnixMilli(ms).UTC()
		rec.NextEndDate = &t
	}
	return rec, nil
}

func parseInt(vals map[string]string, field string) (int64, error) {
	n, err := strconv.ParseInt(vals[field], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mealgate/redis: field %s: %w", field, err)
	}
	return n, nil
}
