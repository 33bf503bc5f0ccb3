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
	"strings"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

// EvaluationStore is the storage view needed to resolve the candidates of an
// evaluation.
type EvaluationStore interface {
	DefinitionReader
	FindDeploymentConditionalSubscriptions(ctx context.Context, processDefinitionKey int64) ([]runtime.ConditionalSubscription, error)
	FindTenantDeploymentConditionalSubscriptions(ctx context.Context, tenantId string) ([]runtime.ConditionalSubscription, error)
	GenerateId() int64
}

// EvaluationProcessor applies EVALUATE commands against the conditional start
// events of deployed process definitions.
type EvaluationProcessor struct {
	store      EvaluationStore
	gate       ExpressionGate
	starter    InstanceStarter
	authorizer Authorizer
	tenants    TenantMembership
	records    RecordWriter
}

func NewEvaluationProcessor(store EvaluationStore, gate ExpressionGate, starter InstanceStarter, authorizer Authorizer, tenants TenantMembership, records RecordWriter) *EvaluationProcessor {
	return &EvaluationProcessor{
		store:      store,
		gate:       gate,
		starter:    starter,
		authorizer: authorizer,
		tenants:    tenants,
		records:    records,
	}
}

// candidate is a process definition version together with its start event
// subscriptions.
type candidate struct {
	definition    runtime.ProcessDefinition
	subscriptions []runtime.ConditionalSubscription
}

func (c candidate) matches(gate ExpressionGate, variables map[string]any) []runtime.ConditionalSubscription {
	var matched []runtime.ConditionalSubscription
	for _, subscription := range c.subscriptions {
		if isTrue(gate, subscription.Condition, variables) {
			matched = append(matched, subscription)
		}
	}
	return matched
}

// Evaluate starts one process instance per conditional start event whose
// condition holds for the command variables. Every check runs before the
// first instance is started, a rejected command leaves no trace besides the
// rejection record.
func (p *EvaluationProcessor) Evaluate(ctx context.Context, command EvaluateCommand) (exporter.ConditionalEvaluationValue, error) {
	if command.TenantId == "" {
		command.TenantId = runtime.DefaultTenantId
	}
	if command.Variables == nil {
		command.Variables = map[string]any{}
	}
	value := exporter.ConditionalEvaluationValue{
		ProcessDefinitionKey:    command.ProcessDefinitionKey,
		TenantId:                command.TenantId,
		Variables:               command.Variables,
		StartedProcessInstances: []exporter.StartedProcessInstance{},
	}
	p.records.WriteRecord(exporter.Record{
		Key:        runtime.NoKey,
		RecordType: exporter.RecordTypeCommand,
		ValueType:  exporter.ValueTypeConditionalEvaluation,
		Intent:     exporter.Evaluate,
		Value:      value,
	})

	candidates, rejection, err := p.resolveCandidates(ctx, command)
	if err != nil {
		return value, err
	}
	var permitted []candidate
	if rejection == nil {
		permitted, rejection = p.authorize(command, candidates)
	}
	if rejection == nil && !p.tenants.IsAssigned(command.Identity, command.TenantId) {
		rejection = reject(exporter.RejectionForbidden,
			"Expected to evaluate conditional start events for tenant '%s', but user is not assigned to this tenant",
			command.TenantId)
	}
	if rejection != nil {
		p.records.WriteRecord(rejectionRecord(runtime.NoKey, exporter.ValueTypeConditionalEvaluation, exporter.Evaluate, rejection, value))
		return value, rejection
	}

	for _, c := range permitted {
		for _, subscription := range c.matches(p.gate, command.Variables) {
			instanceKey, err := p.starter.StartInstanceAt(ctx, c.definition, subscription.CatchEventId, command.Variables, command.TenantId)
			if err != nil {
				return value, fmt.Errorf("failed to start process instance of %s at %s: %w", c.definition.BpmnProcessId, subscription.CatchEventId, err)
			}
			value.StartedProcessInstances = append(value.StartedProcessInstances, exporter.StartedProcessInstance{
				ProcessDefinitionKey: c.definition.Key,
				ProcessInstanceKey:   instanceKey,
			})
		}
	}

	p.records.WriteRecord(exporter.Record{
		Key:        p.store.GenerateId(),
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeConditionalEvaluation,
		Intent:     exporter.Evaluated,
		Value:      value,
	})
	return value, nil
}

func (p *EvaluationProcessor) resolveCandidates(ctx context.Context, command EvaluateCommand) ([]candidate, *Rejection, error) {
	if command.ProcessDefinitionKey != runtime.NoKey {
		definition, err := p.store.FindProcessDefinitionByKey(ctx, command.ProcessDefinitionKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("failed to find process definition %d: %w", command.ProcessDefinitionKey, err)
		}
		if err != nil || definition.TenantId != command.TenantId {
			return nil, reject(exporter.RejectionNotFound,
				"Expected to evaluate conditional start events for process definition with key '%d', but no such process definition was found",
				command.ProcessDefinitionKey), nil
		}
		subscriptions, err := p.store.FindDeploymentConditionalSubscriptions(ctx, definition.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find conditional subscriptions of process definition %d: %w", definition.Key, err)
		}
		return []candidate{{definition: definition, subscriptions: subscriptions}}, nil, nil
	}

	subscriptions, err := p.store.FindTenantDeploymentConditionalSubscriptions(ctx, command.TenantId)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find conditional subscriptions of tenant %s: %w", command.TenantId, err)
	}
	var processIds []string
	for _, subscription := range subscriptions {
		if !slices.Contains(processIds, subscription.BpmnProcessId) {
			processIds = append(processIds, subscription.BpmnProcessId)
		}
	}
	slices.Sort(processIds)

	candidates := make([]candidate, 0, len(processIds))
	for _, processId := range processIds {
		latest, err := p.store.FindLatestProcessDefinitionById(ctx, processId, command.TenantId)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find latest process definition %s: %w", processId, err)
		}
		// superseded versions may keep their subscriptions for a while
		latestSubscriptions, err := p.store.FindDeploymentConditionalSubscriptions(ctx, latest.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find conditional subscriptions of process definition %d: %w", latest.Key, err)
		}
		if len(latestSubscriptions) == 0 {
			continue
		}
		candidates = append(candidates, candidate{definition: latest, subscriptions: latestSubscriptions})
	}
	return candidates, nil, nil
}

// authorize drops the candidates the identity may not start. The command is
// rejected when it names a forbidden definition, when no candidate is left or
// when only forbidden candidates would have matched.
func (p *EvaluationProcessor) authorize(command EvaluateCommand, candidates []candidate) ([]candidate, *Rejection) {
	var permitted, forbidden []candidate
	for _, c := range candidates {
		if p.authorizer.IsAuthorized(command.Identity, runtime.PermissionCreateProcessInstance, runtime.ResourceTypeProcessDefinition, c.definition.BpmnProcessId) {
			permitted = append(permitted, c)
		} else {
			forbidden = append(forbidden, c)
		}
	}
	if len(forbidden) == 0 {
		return permitted, nil
	}
	if command.ProcessDefinitionKey != runtime.NoKey || len(permitted) == 0 {
		return nil, forbiddenRejection(forbidden)
	}

	for _, c := range permitted {
		if len(c.matches(p.gate, command.Variables)) > 0 {
			return permitted, nil
		}
	}
	var wouldMatch []candidate
	for _, c := range forbidden {
		if len(c.matches(p.gate, command.Variables)) > 0 {
			wouldMatch = append(wouldMatch, c)
		}
	}
	if len(wouldMatch) > 0 {
		return nil, forbiddenRejection(wouldMatch)
	}
	return permitted, nil
}

func forbiddenRejection(candidates []candidate) *Rejection {
	ids := []string{runtime.WildcardResourceId}
	for _, c := range candidates {
		ids = append(ids, c.definition.BpmnProcessId)
	}
	return reject(exporter.RejectionForbidden,
		"Insufficient permissions to perform operation '%s' on resource '%s', required resource identifiers are one of '[%s]'",
		runtime.PermissionCreateProcessInstance, runtime.ResourceTypeProcessDefinition, strings.Join(ids, ", "))
}
