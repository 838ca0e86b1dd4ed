package service

import (
	"context"

	"github.com/pkg/errors"
	"quota-gate-service/domain"
)

type AdmissionEngine interface {
	Acquire(ctx context.Context, group string, label string) error
	NotifyViolation(group string)
	Status() domain.EngineStatus
}

// Admission is the composition point exposed to callers: classification
// plus the rate limit engine.
type Admission struct {
	engine     AdmissionEngine
	classifier Classifier
}

func NewAdmission(engine AdmissionEngine, classifier Classifier) Admission {
	return Admission{
		engine:     engine,
		classifier: classifier,
	}
}

func (s Admission) Classify(endpointPath string, httpMethod string) string {
	return s.classifier.Classify(endpointPath, httpMethod)
}

// Acquire blocks until the group admits the call or ctx ends the wait.
func (s Admission) Acquire(ctx context.Context, group string, label string) error {
	err := s.engine.Acquire(ctx, group, label)
	if err != nil {
		return errors.WithMessagef(err, "acquire admission for group '%s'", group)
	}
	return nil
}

// ReportViolation feeds an observed 429 for an already classified group.
func (s Admission) ReportViolation(group string) {
	s.engine.NotifyViolation(group)
}

// NotifyViolation classifies the endpoint and records the violation.
// Safe to call concurrently from any error handling site.
func (s Admission) NotifyViolation(endpointPath string, httpMethod string) {
	s.engine.NotifyViolation(s.classifier.Classify(endpointPath, httpMethod))
}

func (s Admission) Status() domain.EngineStatus {
	return s.engine.Status()
}
