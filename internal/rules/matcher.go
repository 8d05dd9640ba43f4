// Package rules implements the rule matcher (spec.md §4.C): it walks the
// configured rule table in order, skips disabled rules, invokes the
// external predicate evaluator, and returns the set of triggered rules plus
// any discard override.
package rules

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/metrics"
	"mercutio-route/pkg/circuit"
	"mercutio-route/pkg/types"
)

// Matcher evaluates rules against a tag document using an external
// Evaluator. It wraps that evaluator with a circuit breaker so a
// persistently broken predicate parser degrades to "skip remaining rules,
// report once" instead of re-failing on every single series.
type Matcher struct {
	evaluator types.Evaluator
	telemetry types.TelemetrySink
	logger    *logrus.Logger
	breaker   *circuit.Breaker
	order     []string // rule names, in configuration order
	rules     map[string]types.Rule
}

// New builds a Matcher over the given rule table. order fixes the
// evaluation order (configuration order); rules not present in order are
// never evaluated.
func New(order []string, ruleTable map[string]types.Rule, evaluator types.Evaluator, telemetry types.TelemetrySink, logger *logrus.Logger) *Matcher {
	return &Matcher{
		evaluator: evaluator,
		telemetry: telemetry,
		logger:    logger,
		order:     order,
		rules:     ruleTable,
		breaker: circuit.NewBreaker(circuit.BreakerConfig{
			Name:             "rule-evaluator",
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		}, logger),
	}
}

// Result is the outcome of matching one tag document against the rule
// table: the triggered rules in configuration order, and the name of the
// rule that forced a discard, if any.
type Result struct {
	Triggered []types.TriggeredRule
	Discard   string
}

// Match runs the algorithm from spec.md §4.C.
func (m *Matcher) Match(ctx context.Context, doc types.TagDocument) Result {
	var result Result

	for _, name := range m.order {
		rule, ok := m.rules[name]
		if !ok || rule.Disabled {
			continue
		}

		triggered, err := m.evaluate(ctx, rule, doc)
		if err != nil {
			m.logger.WithError(err).WithField("rule", name).Error("invalid rule")
			m.telemetry.SendEvent("processing", types.SeverityError, "Invalid rule: "+name)
			continue
		}
		metrics.RuleEvaluationsTotal.WithLabelValues(name, strconv.FormatBool(triggered)).Inc()
		if !triggered {
			continue
		}

		result.Triggered = append(result.Triggered, types.TriggeredRule{Name: name, Rule: rule})
		if rule.Action == types.ActionDiscard {
			result.Discard = name
			break
		}
	}

	m.logger.WithField("triggered", len(result.Triggered)).Info("triggered rules")
	return result
}

func (m *Matcher) evaluate(ctx context.Context, rule types.Rule, doc types.TagDocument) (bool, error) {
	var triggered bool
	err := m.breaker.Execute(func() error {
		ok, err := m.evaluator.Evaluate(ctx, rule.Expression, doc)
		if err != nil {
			return err
		}
		triggered = ok
		return nil
	})
	return triggered, err
}
