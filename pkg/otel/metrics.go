package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
)

// EngineMetrics counts engine records. It is registered as an event exporter
// so the counters follow the exported log.
type EngineMetrics struct {
	ProcessesStarted     metric.Int64Counter
	ProcessesEnded       metric.Int64Counter
	ProcessesRunning     metric.Int64UpDownCounter
	SubscriptionsCreated metric.Int64Counter
	SubscriptionsDeleted metric.Int64Counter
	SubscriptionsOpen    metric.Int64UpDownCounter
	TriggersApplied      metric.Int64Counter
	TriggersRejected     metric.Int64Counter
	Evaluations          metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesCompletedTotal, err := meter.Int64Counter("processes_completed", metric.WithDescription("Number of processes completed or terminated"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	subscriptionsCreated, err := meter.Int64Counter("conditional_subscriptions_created", metric.WithDescription("Number of conditional subscriptions opened"))
	errJoin = errors.Join(errJoin, err)

	subscriptionsDeleted, err := meter.Int64Counter("conditional_subscriptions_deleted", metric.WithDescription("Number of conditional subscriptions closed"))
	errJoin = errors.Join(errJoin, err)

	subscriptionsOpen, err := meter.Int64UpDownCounter("conditional_subscriptions_open", metric.WithDescription("Number of conditional subscriptions currently open"))
	errJoin = errors.Join(errJoin, err)

	triggersApplied, err := meter.Int64Counter("conditional_triggers_applied", metric.WithDescription("Number of conditional catch events triggered"))
	errJoin = errors.Join(errJoin, err)

	triggersRejected, err := meter.Int64Counter("conditional_triggers_rejected", metric.WithDescription("Number of rejected trigger commands"))
	errJoin = errors.Join(errJoin, err)

	evaluations, err := meter.Int64Counter("conditional_evaluations", metric.WithDescription("Number of ad-hoc evaluations of conditional start events"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:     processesStartedTotal,
		ProcessesEnded:       processesCompletedTotal,
		ProcessesRunning:     processesRunning,
		SubscriptionsCreated: subscriptionsCreated,
		SubscriptionsDeleted: subscriptionsDeleted,
		SubscriptionsOpen:    subscriptionsOpen,
		TriggersApplied:      triggersApplied,
		TriggersRejected:     triggersRejected,
		Evaluations:          evaluations,
	}
	return &metrics, errJoin
}

var _ exporter.EventExporter = &EngineMetrics{}

func (m *EngineMetrics) Export(record exporter.Record) {
	ctx := context.Background()
	if record.RecordType == exporter.RecordTypeCommandRejection {
		m.exportRejection(ctx, record)
		return
	}
	if record.RecordType != exporter.RecordTypeEvent {
		return
	}

	switch record.ValueType {
	case exporter.ValueTypeProcessInstance:
		value, ok := record.Value.(exporter.ProcessInstanceValue)
		if !ok || value.BpmnElementType != string(bpmn20.ElementTypeProcess) {
			return
		}
		processId := metric.WithAttributes(attribute.String(AttributeProcessId, value.BpmnProcessId))
		switch record.Intent {
		case exporter.ElementActivated:
			m.ProcessesStarted.Add(ctx, 1, processId)
			m.ProcessesRunning.Add(ctx, 1, processId)
		case exporter.ElementCompleted, exporter.ElementTerminated:
			m.ProcessesEnded.Add(ctx, 1, processId)
			m.ProcessesRunning.Add(ctx, -1, processId)
		}
	case exporter.ValueTypeConditionalSubscription:
		value, _ := record.Value.(exporter.ConditionalSubscriptionValue)
		catchEvent := metric.WithAttributes(
			attribute.String(AttributeProcessId, value.BpmnProcessId),
			attribute.String(AttributeElementId, value.CatchEventId),
		)
		switch record.Intent {
		case exporter.Created:
			m.SubscriptionsCreated.Add(ctx, 1, catchEvent)
			m.SubscriptionsOpen.Add(ctx, 1)
		case exporter.Deleted:
			m.SubscriptionsDeleted.Add(ctx, 1, catchEvent)
			m.SubscriptionsOpen.Add(ctx, -1)
		case exporter.Triggered:
			m.TriggersApplied.Add(ctx, 1, catchEvent)
			if value.Interrupting {
				// an interrupting subscription is closed without a DELETED record
				m.SubscriptionsOpen.Add(ctx, -1)
			}
		}
	case exporter.ValueTypeConditionalEvaluation:
		if record.Intent == exporter.Evaluated {
			m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String(AttributeResult, "evaluated")))
		}
	}
}

func (m *EngineMetrics) exportRejection(ctx context.Context, record exporter.Record) {
	rejectionType := metric.WithAttributes(attribute.String(AttributeRejectionType, string(record.RejectionType)))
	switch record.ValueType {
	case exporter.ValueTypeConditionalSubscription:
		m.TriggersRejected.Add(ctx, 1, rejectionType)
	case exporter.ValueTypeConditionalEvaluation:
		m.Evaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttributeResult, "rejected"),
			attribute.String(AttributeRejectionType, string(record.RejectionType)),
		))
	}
}
