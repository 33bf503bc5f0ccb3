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
	"github.com/pbinitiative/zencond/pkg/storage"
)

// TriggerProcessor applies trigger commands.
type TriggerProcessor struct {
	store   SubscriptionStore
	gate    ExpressionGate
	scopes  ScopeController
	manager *Manager
	records RecordWriter
}

func NewTriggerProcessor(store SubscriptionStore, gate ExpressionGate, scopes ScopeController, manager *Manager, records RecordWriter) *TriggerProcessor {
	return &TriggerProcessor{
		store:   store,
		gate:    gate,
		scopes:  scopes,
		manager: manager,
		records: records,
	}
}

// Process fires the subscription referenced by the command. It returns a
// *Rejection when the subscription or its scope is gone, and (false, nil)
// when the condition does not hold anymore.
func (p *TriggerProcessor) Process(ctx context.Context, command TriggerCommand) (bool, error) {
	subscription, err := p.store.FindConditionalSubscriptionByKey(ctx, command.SubscriptionKey)
	subscriptionFound := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to read conditional subscription %d: %w", command.SubscriptionKey, err)
	}
	// a vanished subscription leaves only the command to describe it
	var value any = command
	if subscriptionFound {
		value = subscriptionValue(subscription)
	}
	p.records.WriteRecord(exporter.Record{
		Key:        command.SubscriptionKey,
		RecordType: exporter.RecordTypeCommand,
		ValueType:  exporter.ValueTypeConditionalSubscription,
		Intent:     exporter.Trigger,
		Value:      value,
	})

	token, err := p.store.FindScopeToken(ctx, command.ScopeKey)
	tokenFound := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to read scope token of %d: %w", command.ScopeKey, err)
	}
	if tokenFound && (token.Generation != command.Generation || !token.Live) {
		return false, p.reject(command, value, p.inactive(command))
	}
	if !subscriptionFound {
		return false, p.reject(command, value, reject(exporter.RejectionNotFound,
			"Expected to trigger condition subscription with key '%d', but no such subscription was found for process instance with key '%d' and catch event id '%s'.",
			command.SubscriptionKey, command.ProcessInstanceKey, command.CatchEventId))
	}
	if !tokenFound {
		return false, p.reject(command, value, p.inactive(command))
	}

	variables, err := p.scopes.VisibleVariables(ctx, subscription.ScopeKey)
	if err != nil {
		return false, fmt.Errorf("failed to read variables of scope %d: %w", subscription.ScopeKey, err)
	}
	if !isTrue(p.gate, subscription.Condition, variables) {
		return false, nil
	}

	p.records.WriteRecord(subscriptionEvent(subscription, exporter.Triggered))
	if subscription.Interrupting {
		if err := p.manager.Interrupt(ctx, subscription); err != nil {
			return false, err
		}
	}
	if err := p.scopes.OnConditionTriggered(ctx, subscription); err != nil {
		return true, fmt.Errorf("failed to continue from catch event %s: %w", subscription.CatchEventId, err)
	}
	return true, nil
}

func (p *TriggerProcessor) inactive(command TriggerCommand) *Rejection {
	return reject(exporter.RejectionInvalidState,
		"Expected to trigger condition subscription with key '%d', but the element with key '%d' is not active anymore for process instance with key '%d' and catch event id '%s'.",
		command.SubscriptionKey, command.ElementInstanceKey, command.ProcessInstanceKey, command.CatchEventId)
}

func (p *TriggerProcessor) reject(command TriggerCommand, value any, rejection *Rejection) *Rejection {
	p.records.WriteRecord(rejectionRecord(command.SubscriptionKey, exporter.ValueTypeConditionalSubscription, exporter.Trigger, rejection, value))
	return rejection
}
