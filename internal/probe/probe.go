// Package probe periodically verifies that configured knowledge bases still
// answer. It sends a fixed health question to each base on a cron schedule
// and logs answer counts and latency.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qbot-ai/qbot/internal/knowledge"
	"github.com/qbot-ai/qbot/internal/logging"
	"github.com/robfig/cron/v3"
)

// Service runs scheduled health probes against a set of knowledge bases.
type Service struct {
	bases    map[string]knowledge.Provider
	question string
	schedule string
	cron     *cron.Cron
	started  bool
}

// Result is the outcome of probing one knowledge base.
type Result struct {
	Base     string
	Provider string
	Answers  int
	Duration time.Duration
	Err      error
}

// NewService creates a cron-backed probe service over the given bases.
func NewService(bases map[string]knowledge.Provider, schedule, question string) *Service {
	return &Service{
		bases:    bases,
		question: question,
		schedule: schedule,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Start registers the probe schedule and starts cron execution.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return errors.New("probe already started")
	}
	if strings.TrimSpace(s.question) == "" {
		return errors.New("probe question is required")
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.RunAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("register probe schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.started = true
	logging.Logger().Info("probe started", "schedule", s.schedule, "bases", len(s.bases))
	return nil
}

// Stop stops cron and waits for in-flight probes to finish or ctx cancellation.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}

	doneCtx := s.cron.Stop()
	s.started = false
	select {
	case <-doneCtx.Done():
		logging.Logger().Info("probe stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow probes one knowledge base immediately and returns its answer count.
func (s *Service) RunNow(ctx context.Context, name string) (int, error) {
	base, ok := s.bases[name]
	if !ok {
		return 0, fmt.Errorf("knowledge base %s not found", name)
	}
	result := s.probeBase(ctx, name, base)
	return result.Answers, result.Err
}

// RunAll probes every base once, in name order, and returns the per-base
// outcomes. Invoked on each cron tick and by the /probe command.
func (s *Service) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.bases))
	for _, name := range s.baseNames() {
		if ctx.Err() != nil {
			return results
		}
		// Outcomes are logged per base; one failing base must not stop
		// the others from being probed.
		results = append(results, s.probeBase(ctx, name, s.bases[name]))
	}
	return results
}

func (s *Service) probeBase(ctx context.Context, name string, base knowledge.Provider) Result {
	start := time.Now()
	answers, err := base.GenerateAnswer(ctx, s.question)
	result := Result{
		Base:     name,
		Provider: base.Name(),
		Answers:  len(answers),
		Duration: time.Since(start),
		Err:      err,
	}
	if err != nil {
		result.Answers = 0
		logging.Logger().Warn(
			"knowledge base probe failed",
			"base", name,
			"provider", base.Name(),
			"duration_ms", result.Duration.Milliseconds(),
			"err", err,
		)
		return result
	}
	logging.Logger().Info(
		"knowledge base probe succeeded",
		"base", name,
		"provider", base.Name(),
		"answers", len(answers),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

func (s *Service) baseNames() []string {
	names := make([]string, 0, len(s.bases))
	for name := range s.bases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
