// Package postgres provides PostgreSQL-backed stores for mealgate.
//
// Usage records carry a version column; updates are conditional on it, so
// concurrent reservations against the same user cannot both spend the last
// unit. Meals and food items are read for statistics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/mealgate"
)

// Store is a PostgreSQL-backed UsageStore, EntitlementStore and MealSource.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ mealgate.UsageStore       = (*Store)(nil)
	_ mealgate.EntitlementStore = (*Store)(nil)
	_ mealgate.MealSource       = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "mealgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "mealgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usagesTable() string        { return s.tablePrefix + "usages" }
func (s *Store) subscriptionsTable() string { return s.tablePrefix + "subscriptions" }
func (s *Store) mealsTable() string         { return s.tablePrefix + "meals" }
func (s *Store) foodItemsTable() string     { return s.tablePrefix + "food_items" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			last_usage_timestamp TIMESTAMPTZ NOT NULL,
			max_calorie_api_usage_num_remaining BIGINT NOT NULL,
			max_assistant_token_num_remaining BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			email TEXT PRIMARY KEY,
			is_vip BOOLEAN NOT NULL,
			type TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			next_type TEXT,
			next_end_date TIMESTAMPTZ,
			CHECK (end_date >= start_date)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			meal_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			eaten_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_user_eaten_idx ON %[3]s (user_id, eaten_at);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			meal_id TEXT NOT NULL REFERENCES %[3]s (id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			calories INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS %[4]s_meal_idx ON %[4]s (meal_id);
	`, s.usagesTable(), s.subscriptionsTable(), s.mealsTable(), s.foodItemsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("mealgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetUsage returns the user's usage record.
func (s *Store) GetUsage(ctx context.Context, userID string) (mealgate.UsageRecord, error) {
	rec := mealgate.UsageRecord{UserID: userID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_usage_timestamp, max_calorie_api_usage_num_remaining,
			max_assistant_token_num_remaining, version FROM %s WHERE user_id = $1`, s.usagesTable()),
		userID,
	).Scan(&rec.LastResetAt, &rec.ImageEstimationsRemaining, &rec.AssistantTokensRemaining, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return mealgate.UsageRecord{}, mealgate.ErrNotFound
	}
	if err != nil {
		return mealgate.UsageRecord{}, fmt.Errorf("mealgate/postgres: get usage: %w", err)
	}
	rec.LastResetAt = rec.LastResetAt.UTC()
	return rec, nil
}

// CreateUsage inserts rec unless the user already has a record.
func (s *Store) CreateUsage(ctx context.Context, rec mealgate.UsageRecord) (mealgate.UsageRecord, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, last_usage_timestamp, max_calorie_api_usage_num_remaining,
			max_assistant_token_num_remaining, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (user_id) DO NOTHING`, s.usagesTable()),
		rec.UserID, rec.LastResetAt, rec.ImageEstimationsRemaining, rec.AssistantTokensRemaining,
	)
	if err != nil {
		return mealgate.UsageRecord{}, fmt.Errorf("mealgate/postgres: create usage: %w", err)
	}
	// Read back: a concurrent insert may have won.
	return s.GetUsage(ctx, rec.UserID)
}

// SwapUsage replaces the record if its version still matches prev.
func (s *Store) SwapUsage(ctx context.Context, prev, next mealgate.UsageRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_usage_timestamp = $1, max_calorie_api_usage_num_remaining = $2,
			max_assistant_token_num_remaining = $3, version = version + 1
			WHERE user_id = $4 AND version = $5`, s.usagesTable()),
		next.LastResetAt, next.ImageEstimationsRemaining, next.AssistantTokensRemaining, prev.UserID, prev.Version,
	)
	if err != nil {
		return false, fmt.Errorf("mealgate/postgres: swap usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteUsage removes a user's usage record, for account deletion.
func (s *Store) DeleteUsage(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.usagesTable()),
		userID,
	)
	if err != nil {
		return fmt.Errorf("mealgate/postgres: delete usage: %w", err)
	}
	return nil
}

// GetEntitlement returns the subscription record for a user key.
func (s *Store) GetEntitlement(ctx context.Context, userKey string) (mealgate.EntitlementRecord, error) {
	var (
		plan, nextPlan *string
		rec            = mealgate.EntitlementRecord{UserKey: userKey}
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT is_vip, type, start_date, end_date, next_type, next_end_date
			FROM %s WHERE email = $1`, s.subscriptionsTable()),
		userKey,
	).Scan(&rec.IsActive, &plan, &rec.StartDate, &rec.EndDate, &nextPlan, &rec.NextEndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return mealgate.EntitlementRecord{}, mealgate.ErrNotFound
	}
	if err != nil {
		return mealgate.EntitlementRecord{}, fmt.Errorf("mealgate/postgres: get entitlement: %w", err)
	}

	if plan != nil {
		rec.Plan = mealgate.ParsePlanType(*plan)
		rec.PlanRaw = *plan
	}
	if nextPlan != nil {
		rec.NextPlan = mealgate.ParsePlanType(*nextPlan)
		rec.NextPlanRaw = *nextPlan
		rec.HasNext = true
	}
	rec.StartDate = rec.StartDate.UTC()
	rec.EndDate = rec.EndDate.UTC()
	if rec.NextEndDate != nil {
		t := rec.NextEndDate.UTC()
		rec.NextEndDate = &t
	}
	return rec, nil
}

// PutEntitlement creates or replaces a subscription record (upsert).
func (s *Store) PutEntitlement(ctx context.Context, rec mealgate.EntitlementRecord) error {
	var nextPlan *string
	if rec.HasNext {
		v := rec.NextPlanName()
		nextPlan = &v
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (email, is_vip, type, start_date, end_date, next_type, next_end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (email) DO UPDATE SET is_vip = $2, type = $3, start_date = $4,
				end_date = $5, next_type = $6, next_end_date = $7`, s.subscriptionsTable()),
		rec.UserKey, rec.IsActive, rec.PlanName(), rec.StartDate, rec.EndDate, nextPlan, rec.NextEndDate,
	)
	if err != nil {
		return fmt.Errorf("mealgate/postgres: put entitlement: %w", err)
	}
	return nil
}

// AddMeal stores a meal and its items in one transaction, assigning ids
// where missing.
func (s *Store) AddMeal(ctx context.Context, meal mealgate.Meal, items ...mealgate.FoodItem) (mealgate.Meal, error) {
	if meal.ID == "" {
		meal.ID = uuid.New().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mealgate.Meal{}, fmt.Errorf("mealgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, meal_type, name, eaten_at) VALUES ($1, $2, $3, $4, $5)`,
			s.mealsTable()),
		meal.ID, meal.UserID, meal.Type.String(), meal.Name, meal.EatenAt,
	)
	if err != nil {
		return mealgate.Meal{}, fmt.Errorf("mealgate/postgres: insert meal: %w", err)
	}

	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, meal_id, name, calories) VALUES ($1, $2, $3, $4)`,
				s.foodItemsTable()),
			item.ID, meal.ID, item.Name, item.Calories,
		)
		if err != nil {
			return mealgate.Meal{}, fmt.Errorf("mealgate/postgres: insert food item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mealgate.Meal{}, fmt.Errorf("mealgate/postgres: commit: %w", err)
	}
	return meal, nil
}

// MealsBetween returns a user's meals within [start, end), oldest first.
func (s *Store) MealsBetween(ctx context.Context, userID string, start, end time.Time) ([]mealgate.Meal, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, meal_type, name, eaten_at FROM %s
			WHERE user_id = $1 AND eaten_at >= $2 AND eaten_at < $3
			ORDER BY eaten_at`, s.mealsTable()),
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("mealgate/postgres: meals between: %w", err)
	}
	defer rows.Close()

	var meals []mealgate.Meal
	for rows.Next() {
		var (
			m        mealgate.Meal
			mealType string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &mealType, &m.Name, &m.EatenAt); err != nil {
			return nil, fmt.Errorf("mealgate/postgres: scan meal: %w", err)
		}
		m.Type = mealgate.ParseMealType(mealType)
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mealgate/postgres: meals between: %w", err)
	}
	return meals, nil
}

// FoodItems returns the items of the given meals.
func (s *Store) FoodItems(ctx context.Context, mealIDs []string) ([]mealgate.FoodItem, error) {
	if len(mealIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, meal_id, name, calories FROM %s WHERE meal_id = ANY($1)`, s.foodItemsTable()),
		mealIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("mealgate/postgres: food items: %w", err)
	}
	defer rows.Close()

	var items []mealgate.FoodItem
	for rows.Next() {
		var item mealgate.FoodItem
		if err := rows.Scan(&item.ID, &item.MealID, &item.Name, &item.Calories); err != nil {
			return nil, fmt.Errorf("mealgate/postgres: scan food item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mealgate/postgres: food items: %w", err)
	}
	return items, nil
}
