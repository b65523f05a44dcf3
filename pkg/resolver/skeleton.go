package resolver

import (
	"fmt"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Skeleton is a customize-mode plan awaiting answers. Companions keep
// their easy-mode configuration; only the target node's questions are
// asked. A skeleton can be resumed any number of times before Finalize.
type Skeleton struct {
	// Plan is the expanded plan. Its target node's config is rewritten by
	// Finalize once the questions are answered.
	Plan *engine.CreationPlan

	questions []catalog.Question
	answers   map[string]string
}

// PlanSkeleton expands the request like BuildPlan but marks the plan as
// customize-mode and attaches the target type's questions.
func (r *Resolver) PlanSkeleton(req Request) (*Skeleton, error) {
	plan, err := r.build(req, engine.ModeCustomize)
	if err != nil {
		return nil, err
	}
	return &Skeleton{
		Plan:      plan,
		questions: r.cat.Questions(req.Type),
		answers:   map[string]string{},
	}, nil
}

// RestoreSkeleton rebuilds a parked skeleton from a persisted plan and the
// answers collected so far. Questions come from the catalog, keyed off the
// plan's target type.
func (r *Resolver) RestoreSkeleton(plan *engine.CreationPlan, answers map[string]string) *Skeleton {
	s := &Skeleton{
		Plan:      plan,
		questions: r.cat.Questions(plan.Target.Type),
		answers:   map[string]string{},
	}
	for k, v := range answers {
		s.answers[k] = v
	}
	return s
}

// Answers returns a copy of the answers recorded so far.
func (s *Skeleton) Answers() map[string]string {
	out := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Pending returns the questions that have not been answered yet, in ask
// order.
func (s *Skeleton) Pending() []catalog.Question {
	var out []catalog.Question
	for _, q := range s.questions {
		if _, ok := s.answers[q.Key]; !ok {
			out = append(out, q)
		}
	}
	return out
}

// Required returns the unanswered questions with no default. These are the
// ones that block Finalize; everything else can fall back.
func (s *Skeleton) Required() []catalog.Question {
	var out []catalog.Question
	for _, q := range s.questions {
		if _, ok := s.answers[q.Key]; !ok && q.Default == "" {
			out = append(out, q)
		}
	}
	return out
}

// Apply records answers. Keys that do not match a question are rejected so
// typos surface immediately instead of silently configuring nothing.
func (s *Skeleton) Apply(answers map[string]string) error {
	known := make(map[string]bool, len(s.questions))
	for _, q := range s.questions {
		known[q.Key] = true
	}
	for key := range answers {
		if !known[key] {
			return engine.NewPermanentError(
				fmt.Sprintf("answer %q does not match any question", key), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	for key, val := range answers {
		s.answers[key] = val
	}
	return nil
}

// Finalize produces the executable plan. Unanswered questions fall back to
// their defaults; a question with no answer and no default keeps the plan
// pending.
func (s *Skeleton) Finalize() (*engine.CreationPlan, error) {
	for _, q := range s.questions {
		if _, ok := s.answers[q.Key]; ok {
			continue
		}
		if q.Default == "" {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("question %q is still unanswered", q.Key), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	node := s.Plan.Node(s.Plan.Target.Key())
	for _, q := range s.questions {
		if val, ok := s.answers[q.Key]; ok {
			node.Config[q.Key] = val
		} else {
			node.Config[q.Key] = q.Default
		}
	}
	return s.Plan, nil
}
