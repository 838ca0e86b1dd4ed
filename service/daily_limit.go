package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"quota-gate-service/conf"
)

type DailyLimitRepo interface {
	Increment(ctx context.Context, group string, today time.Time) (int64, error)
}

// DailyLimit enforces an optional per-group daily call budget on top of
// the admission engine. Calls over budget are rejected locally without
// consuming upstream quota.
type DailyLimit struct {
	repo   DailyLimitRepo
	limits map[string]int64
}

func NewDailyLimit(repo DailyLimitRepo, configs []conf.DailyLimit) DailyLimit {
	limits := make(map[string]int64)
	for _, config := range configs {
		limits[config.Group] = config.RequestsPerDay
	}
	return DailyLimit{
		repo:   repo,
		limits: limits,
	}
}

func (s DailyLimit) IncrementAndCheck(ctx context.Context, group string) (bool, error) {
	max, ok := s.limits[group]
	if !ok {
		return true, nil
	}

	newValue, err := s.repo.Increment(ctx, group, time.Now())
	if err != nil {
		return false, errors.WithMessage(err, "increment")
	}

	return newValue <= max, nil
}
