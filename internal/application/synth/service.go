// Package synth turns (handler name, natural-language instruction) into
// a validated, preamble-equipped handler artifact. It owns the policy
// around the model provider: circuit breaking, guardrail vetting and
// the mapping of provider faults onto funnel outcomes.
package synth

import (
	"context"
	"errors"
	"strings"

	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/anthropic"
	"github.com/modularbot/bot-factory/internal/plugin"
	"github.com/modularbot/bot-factory/pkg/circuitbreaker"
	"github.com/modularbot/bot-factory/pkg/logger"
)

// Generator produces raw handler source from a bot description.
// Implemented by the Anthropic client.
type Generator interface {
	Generate(ctx context.Context, description string) (string, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Service synthesizes handler artifacts.
type Service struct {
	generator Generator
	breaker   *circuitbreaker.CircuitBreaker
	log       *logger.Logger
}

// NewService creates a synthesis service. breaker may be nil in tests;
// production wiring passes circuitbreaker.SynthesisBreaker.
func NewService(generator Generator, breaker *circuitbreaker.CircuitBreaker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		generator: generator,
		breaker:   breaker,
		log:       log.With(logger.Component("synth")),
	}
}

// Synthesize produces the complete artifact source for one handler:
// the model's generated code vetted by the security guardrail, with the
// state-helper preamble prepended. The returned source is ready to be
// persisted and loaded.
func (s *Service) Synthesize(ctx context.Context, name shared.HandlerName, instruction string) (string, error) {
	if !name.IsValid() {
		return "", shared.ErrInvalidHandlerName
	}
	if strings.TrimSpace(instruction) == "" {
		return "", shared.NewDomainError("synth", "Synthesize", shared.ErrEmptyValue, "instruction must not be empty")
	}

	generated, err := s.generate(ctx, instruction)
	if err != nil {
		s.log.Warn("handler generation failed",
			logger.HandlerName(name.String()), logger.Err(err))
		return "", err
	}

	// Guardrail runs on the generated portion only; the preamble is
	// factory-owned and legitimately calls the host bindings.
	if err := plugin.Vet(generated); err != nil {
		s.log.Warn("generated source rejected",
			logger.HandlerName(name.String()), logger.Err(err))
		return "", err
	}

	s.log.Info("handler synthesized",
		logger.HandlerName(name.String()),
		logger.Int("bytes", len(generated)))

	return anthropic.StatePreamble(name.String()) + "\n" + generated + "\n", nil
}

// generate calls the provider through the circuit breaker. An open
// circuit is reported as the provider being unavailable without
// spending a call on it.
func (s *Service) generate(ctx context.Context, instruction string) (string, error) {
	if s.breaker == nil {
		return s.generator.Generate(ctx, instruction)
	}

	var source string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var genErr error
		source, genErr = s.generator.Generate(ctx, instruction)
		return genErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return "", shared.WrapError("synth", "Generate", shared.ErrServiceUnavailable,
			"provider circuit open", shared.ErrSynthesisUnavailable)
	}
	if err != nil {
		return "", err
	}
	return source, nil
}
