// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package conditional

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

// VariableChange is one variable mutation of a variable document.
type VariableChange struct {
	Name  string
	Event runtime.VariableEvent
}

// Evaluator re-evaluates scoped subscriptions on variable mutations and
// appends a trigger command for every condition that became true.
type Evaluator struct {
	store    SubscriptionStore
	gate     ExpressionGate
	scopes   ScopeController
	commands CommandWriter
}

func NewEvaluator(store SubscriptionStore, gate ExpressionGate, scopes ScopeController, commands CommandWriter) *Evaluator {
	return &Evaluator{
		store:    store,
		gate:     gate,
		scopes:   scopes,
		commands: commands,
	}
}

// Mutation is a set of changes written to the variables of one scope.
type Mutation struct {
	ScopeKey int64
	Changes  []VariableChange
}

// OnVariablesMutated handles the changes written to the variables of
// scopeKey.
func (e *Evaluator) OnVariablesMutated(ctx context.Context, scopeKey int64, processInstanceKey int64, changes []VariableChange) error {
	return e.OnVariableDocument(ctx, processInstanceKey, []Mutation{{ScopeKey: scopeKey, Changes: changes}})
}

// OnVariableDocument handles the mutations of one variable document, which
// may touch several scopes of the process instance. A subscription is a
// candidate when one of the mutated scopes lies on its scope chain, so it can
// see the changed variables, and its filters accept at least one change of
// that scope. Every candidate is evaluated once.
func (e *Evaluator) OnVariableDocument(ctx context.Context, processInstanceKey int64, mutations []Mutation) error {
	mutations = slices.DeleteFunc(slices.Clone(mutations), func(m Mutation) bool { return len(m.Changes) == 0 })
	if len(mutations) == 0 {
		return nil
	}
	subscriptions, err := e.store.FindConditionalSubscriptionsByProcessInstanceKey(ctx, processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to find conditional subscriptions of process instance %d: %w", processInstanceKey, err)
	}

	chains := map[int64][]int64{}
	candidates := make([]runtime.ConditionalSubscription, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		chain, ok := chains[subscription.ScopeKey]
		if !ok {
			chain, err = e.scopes.ScopeChain(ctx, subscription.ScopeKey)
			if err != nil {
				return fmt.Errorf("failed to resolve scope chain of %d: %w", subscription.ScopeKey, err)
			}
			chains[subscription.ScopeKey] = chain
		}
		for _, mutation := range mutations {
			if slices.Contains(chain, mutation.ScopeKey) && acceptsAny(subscription, mutation.Changes) {
				candidates = append(candidates, subscription)
				break
			}
		}
	}
	return e.evaluate(ctx, candidates)
}

// EvaluateSubscriptions evaluates the given subscriptions without applying
// their filters. It is used right after a scope was activated so conditions
// which already hold fire immediately.
func (e *Evaluator) EvaluateSubscriptions(ctx context.Context, subscriptions []runtime.ConditionalSubscription) error {
	return e.evaluate(ctx, subscriptions)
}

func (e *Evaluator) evaluate(ctx context.Context, candidates []runtime.ConditionalSubscription) error {
	snapshots := map[int64]map[string]any{}
	for _, subscription := range candidates {
		if subscription.IsDeploymentLevel() {
			continue
		}
		variables, ok := snapshots[subscription.ScopeKey]
		if !ok {
			var err error
			variables, err = e.scopes.VisibleVariables(ctx, subscription.ScopeKey)
			if err != nil {
				return fmt.Errorf("failed to read variables of scope %d: %w", subscription.ScopeKey, err)
			}
			snapshots[subscription.ScopeKey] = variables
		}
		if !isTrue(e.gate, subscription.Condition, variables) {
			continue
		}

		token, err := e.store.FindScopeToken(ctx, subscription.ScopeKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to read scope token of %d: %w", subscription.ScopeKey, err)
		}
		e.commands.AppendTrigger(TriggerCommand{
			SubscriptionKey:    subscription.Key,
			ScopeKey:           subscription.ScopeKey,
			ElementInstanceKey: subscription.ElementInstanceKey,
			ProcessInstanceKey: subscription.ProcessInstanceKey,
			CatchEventId:       subscription.CatchEventId,
			Generation:         token.Generation,
		})
	}
	return nil
}

func acceptsAny(subscription runtime.ConditionalSubscription, changes []VariableChange) bool {
	for _, change := range changes {
		if subscription.Accepts(change.Name, change.Event) {
			return true
		}
	}
	return false
}
