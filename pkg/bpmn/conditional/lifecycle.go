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

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

// Manager creates and deletes subscriptions following the lifecycle of
// scopes and process definition versions. It also owns the liveness tokens of
// scopes holding subscriptions.
type Manager struct {
	store   SubscriptionStore
	records RecordWriter

	// scopes terminated after an interrupting trigger keep their token
	// until Sweep, so triggers queued in the same command are told apart
	// from triggers of unknown scopes
	tombstones []int64
}

func NewManager(store SubscriptionStore, records RecordWriter) *Manager {
	return &Manager{
		store:   store,
		records: records,
	}
}

// OnScopeActivated creates one subscription per catch point of the scope and
// a fresh liveness token for it.
func (m *Manager) OnScopeActivated(ctx context.Context, scope runtime.ElementInstance, catchPoints []CatchPoint) ([]runtime.ConditionalSubscription, error) {
	created := make([]runtime.ConditionalSubscription, 0, len(catchPoints))
	for _, cp := range catchPoints {
		scopeKey, elementInstanceKey, err := cp.scopeKeys(scope)
		if err != nil {
			return created, err
		}
		def := cp.definition()
		if def == nil {
			return created, fmt.Errorf("catch point %s has no conditional event definition", cp.Event.GetId())
		}
		subscription := runtime.ConditionalSubscription{
			Key:                  m.store.GenerateId(),
			ScopeKey:             scopeKey,
			ElementInstanceKey:   elementInstanceKey,
			ProcessInstanceKey:   scope.ProcessInstanceKey,
			ProcessDefinitionKey: scope.ProcessDefinitionKey,
			BpmnProcessId:        scope.BpmnProcessId,
			TenantId:             scope.TenantId,
			CatchEventId:         cp.Event.GetId(),
			CatchPoint:           cp.Kind,
			Condition:            def.GetCondition(),
			VariableNames:        def.Filter.GetVariableNames(),
			VariableEvents:       def.Filter.GetVariableEvents(),
			Interrupting:         cp.Event.IsInterrupting(),
		}
		if err := m.store.SaveConditionalSubscription(ctx, subscription); err != nil {
			return created, fmt.Errorf("failed to save conditional subscription for %s: %w", subscription.CatchEventId, err)
		}
		m.records.WriteRecord(subscriptionEvent(subscription, exporter.Created))
		created = append(created, subscription)
	}
	if len(created) == 0 {
		return created, nil
	}

	_, err := m.store.FindScopeToken(ctx, scope.Key)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return created, fmt.Errorf("failed to read scope token of %d: %w", scope.Key, err)
	}
	token := runtime.ScopeToken{
		ScopeKey:           scope.Key,
		ProcessInstanceKey: scope.ProcessInstanceKey,
		Generation:         m.store.GenerateId(),
		Live:               true,
	}
	if err := m.store.SaveScopeToken(ctx, token); err != nil {
		return created, fmt.Errorf("failed to save scope token of %d: %w", scope.Key, err)
	}
	return created, nil
}

// OnScopeTerminated deletes every subscription of the scope. Terminating a
// scope twice is a no-op.
func (m *Manager) OnScopeTerminated(ctx context.Context, scopeKey int64) error {
	if err := m.deleteScopeSubscriptions(ctx, scopeKey, runtime.NoKey); err != nil {
		return err
	}

	token, err := m.store.FindScopeToken(ctx, scopeKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scope token of %d: %w", scopeKey, err)
	}
	if !token.Interrupted {
		return m.store.DeleteScopeToken(ctx, scopeKey)
	}
	if !token.Live {
		return nil
	}
	token.Live = false
	m.tombstones = append(m.tombstones, scopeKey)
	return m.store.SaveScopeToken(ctx, token)
}

// Interrupt invalidates the token of the scope owning the subscription and
// deletes every other subscription of that scope. The triggered subscription
// itself is removed without a DELETED record.
func (m *Manager) Interrupt(ctx context.Context, triggered runtime.ConditionalSubscription) error {
	token, err := m.store.FindScopeToken(ctx, triggered.ScopeKey)
	if err != nil {
		return fmt.Errorf("failed to read scope token of %d: %w", triggered.ScopeKey, err)
	}
	token.Generation = m.store.GenerateId()
	token.Interrupted = true
	if err := m.store.SaveScopeToken(ctx, token); err != nil {
		return fmt.Errorf("failed to save scope token of %d: %w", triggered.ScopeKey, err)
	}
	if err := m.store.DeleteConditionalSubscription(ctx, triggered.Key); err != nil {
		return fmt.Errorf("failed to delete conditional subscription %d: %w", triggered.Key, err)
	}
	return m.deleteScopeSubscriptions(ctx, triggered.ScopeKey, triggered.Key)
}

func (m *Manager) deleteScopeSubscriptions(ctx context.Context, scopeKey int64, except int64) error {
	subscriptions, err := m.store.FindConditionalSubscriptionsByScopeKey(ctx, scopeKey)
	if err != nil {
		return fmt.Errorf("failed to find conditional subscriptions of scope %d: %w", scopeKey, err)
	}
	for _, subscription := range subscriptions {
		if subscription.Key == except {
			continue
		}
		if err := m.delete(ctx, subscription); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) delete(ctx context.Context, subscription runtime.ConditionalSubscription) error {
	if err := m.store.DeleteConditionalSubscription(ctx, subscription.Key); err != nil {
		return fmt.Errorf("failed to delete conditional subscription %d: %w", subscription.Key, err)
	}
	m.records.WriteRecord(subscriptionEvent(subscription, exporter.Deleted))
	return nil
}

// OnDeploymentCreated subscribes the conditional start events of a new
// process definition version. Start events which are already subscribed for
// this version are skipped.
func (m *Manager) OnDeploymentCreated(ctx context.Context, definition runtime.ProcessDefinition, startEvents []CatchPoint) ([]runtime.ConditionalSubscription, error) {
	created := make([]runtime.ConditionalSubscription, 0, len(startEvents))
	for _, cp := range startEvents {
		if cp.Kind != runtime.CatchPointStart {
			return created, fmt.Errorf("catch point %s of kind %s is not a start event", cp.Event.GetId(), cp.Kind)
		}
		existing, err := m.store.FindConditionalSubscriptionsByCatchEvent(ctx, definition.Key, cp.Event.GetId())
		if err != nil {
			return created, fmt.Errorf("failed to find conditional subscriptions of %s: %w", cp.Event.GetId(), err)
		}
		if hasDeploymentLevel(existing) {
			continue
		}
		def := cp.definition()
		subscription := runtime.ConditionalSubscription{
			Key:                  m.store.GenerateId(),
			ScopeKey:             runtime.NoKey,
			ElementInstanceKey:   runtime.NoKey,
			ProcessInstanceKey:   runtime.NoKey,
			ProcessDefinitionKey: definition.Key,
			BpmnProcessId:        definition.BpmnProcessId,
			TenantId:             definition.TenantId,
			CatchEventId:         cp.Event.GetId(),
			CatchPoint:           runtime.CatchPointStart,
			Condition:            def.GetCondition(),
			VariableNames:        def.Filter.GetVariableNames(),
			VariableEvents:       def.Filter.GetVariableEvents(),
			Interrupting:         cp.Event.IsInterrupting(),
		}
		if err := m.store.SaveConditionalSubscription(ctx, subscription); err != nil {
			return created, fmt.Errorf("failed to save conditional subscription for %s: %w", subscription.CatchEventId, err)
		}
		m.records.WriteRecord(subscriptionEvent(subscription, exporter.Created))
		created = append(created, subscription)
	}
	return created, nil
}

func hasDeploymentLevel(subscriptions []runtime.ConditionalSubscription) bool {
	for _, s := range subscriptions {
		if s.IsDeploymentLevel() {
			return true
		}
	}
	return false
}

// OnDeploymentSupersedes replaces the start event subscriptions of the old
// version with the ones of the new version. Other process definitions are
// never touched.
func (m *Manager) OnDeploymentSupersedes(ctx context.Context, oldProcessDefinitionKey int64, definition runtime.ProcessDefinition, startEvents []CatchPoint) ([]runtime.ConditionalSubscription, error) {
	if oldProcessDefinitionKey == definition.Key {
		return nil, fmt.Errorf("process definition %d can not supersede itself", definition.Key)
	}
	old, err := m.store.FindDeploymentConditionalSubscriptions(ctx, oldProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find conditional subscriptions of process definition %d: %w", oldProcessDefinitionKey, err)
	}
	for _, subscription := range old {
		if err := m.delete(ctx, subscription); err != nil {
			return nil, err
		}
	}
	return m.OnDeploymentCreated(ctx, definition, startEvents)
}

// Abandon forgets the interrupted scopes of a command whose writes were
// discarded.
func (m *Manager) Abandon() {
	m.tombstones = m.tombstones[:0]
}

// Sweep drops the tokens of interrupted scopes. It is called once the
// command which interrupted them and all its follow-up commands are applied.
func (m *Manager) Sweep(ctx context.Context) error {
	var errJoin error
	for _, scopeKey := range m.tombstones {
		errJoin = errors.Join(errJoin, m.store.DeleteScopeToken(ctx, scopeKey))
	}
	m.tombstones = m.tombstones[:0]
	return errJoin
}
