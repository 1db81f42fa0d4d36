package mealgate

import (
	"context"
	"fmt"
	"time"
)

// Bucketing selects how daily totals are grouped.
type Bucketing int

const (
	BucketDaily Bucketing = iota
	BucketWeekly
	BucketMonthly
)

func (b Bucketing) String() string {
	switch b {
	case BucketDaily:
		return "daily"
	case BucketWeekly:
		return "weekly"
	case BucketMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// StatsWindow is the half-open interval [Start, End).
type StatsWindow struct {
	Start time.Time
	End   time.Time
}

// Bucket is the calorie total of one group of days.
type Bucket struct {
	Label string
	Start time.Time
	End   time.Time
	Total int
}

// Summary is a bucketed range with its total and per-bucket average.
type Summary struct {
	Buckets []Bucket
	Total   int
	Average int
}

// StatsAggregator reduces fetched meals into calorie totals.
type StatsAggregator struct {
	source MealSource
	loc    *time.Location
}

// StatsOption configures a StatsAggregator.
type StatsOption func(*StatsAggregator)

// WithLocation sets the time zone that defines day boundaries (default UTC).
func WithLocation(loc *time.Location) StatsOption {
	return func(a *StatsAggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// NewStatsAggregator creates an aggregator reading from source.
func NewStatsAggregator(source MealSource, opts ...StatsOption) *StatsAggregator {
	a := &StatsAggregator{source: source, loc: time.UTC}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartOfDay truncates t to midnight in the aggregator's location.
func (a *StatsAggregator) StartOfDay(t time.Time) time.Time {
	t = t.In(a.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.loc)
}

// SumForDay returns the calories a user logged on the given calendar day.
// A day without meals sums to zero.
func (a *StatsAggregator) SumForDay(ctx context.Context, userID string, day time.Time) (int, error) {
	byType, err := a.SumByMealType(ctx, userID, day)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range byType {
		total += v
	}
	return total, nil
}

// SumByMealType returns the day's calories per meal category.
func (a *StatsAggregator) SumByMealType(ctx context.Context, userID string, day time.Time) (map[MealType]int, error) {
	start := a.StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	meals, err := a.source.MealsBetween(ctx, userID, start, end)
	if err != nil {
		return nil, storeErr("meals between", err)
	}
	totals := make(map[MealType]int, len(MealTypes))
	if len(meals) == 0 {
		return totals, nil
	}

	mealType := make(map[string]MealType, len(meals))
	ids := make([]string, 0, len(meals))
	for _, m := range meals {
		mealType[m.ID] = m.Type
		ids = append(ids, m.ID)
	}

	items, err := a.source.FoodItems(ctx, ids)
	if err != nil {
		return nil, storeErr("food items", err)
	}
	for _, item := range items {
		t, ok := mealType[item.MealID]
		if !ok {
			continue
		}
		totals[t] += item.Calories
	}
	return totals, nil
}

// SumForRange walks the window one day at a time, in calendar order, and
// groups the daily totals. A trailing group shorter than a full week or
// month is still emitted.
func (a *StatsAggregator) SumForRange(ctx context.Context, userID string, window StatsWindow, bucketing Bucketing) ([]Bucket, error) {
	if bucketing < BucketDaily || bucketing > BucketMonthly {
		return nil, fmt.Errorf("%w: bucketing %d", ErrInvalidRequest, bucketing)
	}

	var (
		buckets []Bucket
		current *Bucket
		days    int
	)
	flush := func() {
		if current != nil {
			buckets = append(buckets, *current)
			current = nil
			days = 0
		}
	}

	for day := a.StartOfDay(window.Start); day.Before(window.End); day = day.AddDate(0, 0, 1) {
		total, err := a.SumForDay(ctx, userID, day)
		if err != nil {
			return nil, err
		}
		next := day.AddDate(0, 0, 1)

		if current != nil && bucketing == BucketMonthly && day.Month() != current.Start.Month() {
			flush()
		}
		if current == nil {
			current = &Bucket{Label: bucketLabel(day, bucketing), Start: day}
		}
		current.Total += total
		current.End = next
		days++

		if bucketing == BucketDaily || (bucketing == BucketWeekly && days == 7) {
			flush()
		}
	}
	flush()

	return buckets, nil
}

// Summarize buckets the window and adds the total and per-bucket average.
func (a *StatsAggregator) Summarize(ctx context.Context, userID string, window StatsWindow, bucketing Bucketing) (Summary, error) {
	buckets, err := a.SumForRange(ctx, userID, window, bucketing)
	if err != nil {
		return Summary{}, err
	}
	total := 0
	for _, b := range buckets {
		total += b.Total
	}
	return Summary{
		Buckets: buckets,
		Total:   total,
		Average: Average(total, len(buckets)),
	}, nil
}

// Average divides with integer division; zero buckets count as one.
func Average(total, bucketCount int) int {
	if bucketCount == 0 {
		bucketCount = 1
	}
	return total / bucketCount
}

func bucketLabel(start time.Time, bucketing Bucketing) string {
	if bucketing == BucketMonthly {
		return start.Format("2006-01")
	}
	return start.Format("2006-01-02")
}
