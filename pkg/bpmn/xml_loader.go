package bpmn

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencond/pkg/storage"
)

// LoadFromFile loads a given BPMN file by filename into the engine under the
// default tenant and returns the deployed process definition
func (engine *Engine) LoadFromFile(ctx context.Context, filename string) (runtime.ProcessDefinition, error) {
	xmlData, err := os.ReadFile(filename)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to load from file: %w", err)
	}
	return engine.Deploy(ctx, xmlData, filepath.Base(filename), runtime.DefaultTenantId)
}

// Deploy parses the BPMN xml and stores it as a new version of its process.
// Deploying the same content as the latest version returns the latest version
// and changes nothing. A new version subscribes its conditional start events
// and replaces the start event subscriptions of the previous version.
func (engine *Engine) Deploy(ctx context.Context, xmlData []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error) {
	var deployed runtime.ProcessDefinition
	err := engine.apply(ctx, "deploy:"+resourceName, func(ctx context.Context) error {
		var err error
		deployed, err = engine.deploy(ctx, xmlData, resourceName, tenantId)
		return err
	})
	return deployed, err
}

func parseDefinitions(xmlData []byte) (bpmn20.TDefinitions, error) {
	var definitions bpmn20.TDefinitions
	if err := xml.Unmarshal(xmlData, &definitions); err != nil {
		return definitions, &BpmnEngineUnmarshallingError{Msg: "failed to unmarshal xml data", Err: err}
	}
	if definitions.Process.Id == "" {
		return definitions, &BpmnEngineUnmarshallingError{Msg: "failed to unmarshal xml data", Err: errors.New("process id is missing")}
	}
	if err := validateFlows(&definitions.Process.TFlowElementsContainer); err != nil {
		return definitions, &BpmnEngineUnmarshallingError{Msg: "invalid process " + definitions.Process.Id, Err: err}
	}
	return definitions, nil
}

// validateFlows checks that every sequence flow connects two supported
// elements of its own container. Elements the engine does not know are not
// parsed, so a flow into one of them has no target.
func validateFlows(container *bpmn20.TFlowElementsContainer) error {
	nodes := map[string]bpmn20.ElementType{}
	for _, node := range container.FlowNodes() {
		nodes[node.GetId()] = node.GetType()
	}
	for _, flow := range container.SequenceFlows {
		if _, ok := nodes[flow.SourceRef]; !ok {
			return fmt.Errorf("sequence flow %s starts at unknown or unsupported element '%s'", flow.Id, flow.SourceRef)
		}
		target, ok := nodes[flow.TargetRef]
		if !ok {
			return fmt.Errorf("sequence flow %s leads to unknown or unsupported element '%s'", flow.Id, flow.TargetRef)
		}
		switch target {
		case bpmn20.ElementTypeStartEvent, bpmn20.ElementTypeBoundaryEvent, bpmn20.ElementTypeEventSubProcess:
			return fmt.Errorf("sequence flow %s must not lead to %s '%s'", flow.Id, target, flow.TargetRef)
		}
	}
	for i := range container.SubProcess {
		if err := validateFlows(&container.SubProcess[i].TFlowElementsContainer); err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) deploy(ctx context.Context, xmlData []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error) {
	if tenantId == "" {
		tenantId = runtime.DefaultTenantId
	}
	md5sum := md5.Sum(xmlData)
	definitions, err := parseDefinitions(xmlData)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}

	processInfo := runtime.ProcessDefinition{
		Version:          1,
		BpmnProcessId:    definitions.Process.Id,
		Definitions:      definitions,
		BpmnData:         string(xmlData),
		BpmnResourceName: resourceName,
		BpmnChecksum:     md5sum,
		TenantId:         tenantId,
	}
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, definitions.Process.Id, tenantId)
	switch {
	case err == nil:
		if latest.BpmnChecksum == md5sum {
			return latest, nil
		}
		processInfo.Version = latest.Version + 1
	case !errors.Is(err, storage.ErrNotFound):
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to load processes by id %s: %w", definitions.Process.Id, err)
	}

	processInfo.Key = engine.persistence.GenerateId()
	if err := engine.persistence.SaveProcessDefinition(ctx, processInfo); err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to save process definition: %w", err)
	}
	engine.definitions.Add(processInfo.Key, processInfo)
	engine.exportNewProcessEvent(processInfo)

	if processInfo.Version == 1 {
		_, err = engine.manager.OnDeploymentCreated(ctx, processInfo, conditional.StartCatchPoints(&processInfo.Definitions.Process))
		if err != nil {
			return processInfo, errors.Join(newEngineErrorf("failed to subscribe start events of %s", processInfo.BpmnProcessId), err)
		}
		return processInfo, nil
	}
	engine.followUps = append(engine.followUps, supersedeFollowUp{
		oldProcessDefinitionKey: latest.Key,
		newProcessDefinitionKey: processInfo.Key,
	})
	return processInfo, nil
}
