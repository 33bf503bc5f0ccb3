package bpmn

import (
	"encoding/hex"

	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// AddEventExporter registers an EventExporter instance
func (engine *Engine) AddEventExporter(exporter exporter.EventExporter) {
	engine.exporters = append(engine.exporters, exporter)
}

func (engine *Engine) writeRecord(record exporter.Record) {
	engine.position++
	record.Position = engine.position
	engine.records = append(engine.records, record)
}

func (engine *Engine) exportRecords() {
	records := engine.records
	engine.records = nil
	for _, record := range records {
		for _, exp := range engine.exporters {
			exp.Export(record)
		}
	}
}

func (engine *Engine) exportNewProcessEvent(definition runtime.ProcessDefinition) {
	engine.writeRecord(exporter.Record{
		Key:        definition.Key,
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeProcess,
		Intent:     exporter.Created,
		Value: exporter.ProcessValue{
			BpmnProcessId:        definition.BpmnProcessId,
			Version:              definition.Version,
			ProcessDefinitionKey: definition.Key,
			ResourceName:         definition.BpmnResourceName,
			Checksum:             hex.EncodeToString(definition.BpmnChecksum[:]),
			TenantId:             definition.TenantId,
		},
	})
}

func (engine *Engine) exportElementEvent(element runtime.ElementInstance, intent exporter.Intent) {
	engine.writeRecord(exporter.Record{
		Key:        element.Key,
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeProcessInstance,
		Intent:     intent,
		Value: exporter.ProcessInstanceValue{
			BpmnProcessId:        element.BpmnProcessId,
			ProcessDefinitionKey: element.ProcessDefinitionKey,
			ProcessInstanceKey:   element.ProcessInstanceKey,
			ElementId:            element.ElementId,
			BpmnElementType:      string(element.ElementType),
			FlowScopeKey:         element.ParentKey,
			TenantId:             element.TenantId,
		},
	})
}

func (engine *Engine) exportSequenceFlowEvent(flowScope runtime.ElementInstance, flow bpmn20.TSequenceFlow) {
	engine.writeRecord(exporter.Record{
		Key:        engine.persistence.GenerateId(),
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeProcessInstance,
		Intent:     exporter.SequenceFlowTaken,
		Value: exporter.ProcessInstanceValue{
			BpmnProcessId:        flowScope.BpmnProcessId,
			ProcessDefinitionKey: flowScope.ProcessDefinitionKey,
			ProcessInstanceKey:   flowScope.ProcessInstanceKey,
			ElementId:            flow.Id,
			BpmnElementType:      string(bpmn20.ElementTypeSequenceFlow),
			FlowScopeKey:         flowScope.Key,
			TenantId:             flowScope.TenantId,
		},
	})
}

func (engine *Engine) exportVariableEvent(scope runtime.ElementInstance, name string, value any, intent exporter.Intent) {
	engine.writeRecord(exporter.Record{
		Key:        engine.persistence.GenerateId(),
		RecordType: exporter.RecordTypeEvent,
		ValueType:  exporter.ValueTypeVariable,
		Intent:     intent,
		Value: exporter.VariableValue{
			Name:                 name,
			Value:                value,
			ScopeKey:             scope.Key,
			ProcessInstanceKey:   scope.ProcessInstanceKey,
			ProcessDefinitionKey: scope.ProcessDefinitionKey,
			BpmnProcessId:        scope.BpmnProcessId,
			TenantId:             scope.TenantId,
		},
	})
}
