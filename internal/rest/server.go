// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	apiruntime "github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbinitiative/zencond/internal/cluster"
	"github.com/pbinitiative/zencond/internal/cluster/command"
	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/identity"
	"github.com/pbinitiative/zencond/internal/log"
	otelint "github.com/pbinitiative/zencond/internal/otel"
	"github.com/pbinitiative/zencond/internal/rest/middleware"
	"github.com/pbinitiative/zencond/internal/rest/public"
	"github.com/pbinitiative/zencond/pkg/bpmn"
	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

const (
	PaginationDefaultPage int32 = 1
	PaginationDefaultSize int32 = 10

	RecordsDefaultLimit = 100
)

// Node is the part of the cluster node the REST server talks to. Commands
// go through the replicated log, reads are served by the local engine.
type Node interface {
	Deploy(ctx context.Context, data []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error)
	CreateInstance(ctx context.Context, request command.CreateInstance) (runtime.ProcessInstance, error)
	SetVariables(ctx context.Context, elementInstanceKey int64, variables map[string]any, local bool) error
	CompleteTask(ctx context.Context, elementInstanceKey int64, variables map[string]any) error
	Evaluate(ctx context.Context, request command.Evaluate) (exporter.ConditionalEvaluationValue, error)
	Engine() *bpmn.Engine
	Records(after int64, limit int) []exporter.Record
	GetStatus() (cluster.Status, error)
}

type Server struct {
	node    Node
	tenants conditional.TenantMembership
	addr    string
	server  *http.Server
}

func NewServer(node Node, conf config.Config, metrics *otelint.RequestMetrics) (*Server, error) {
	doc, err := public.Load()
	if err != nil {
		return nil, err
	}
	validator, err := middleware.OpenApiValidator(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create request validator: %w", err)
	}

	r := chi.NewRouter()
	s := Server{
		node:    node,
		tenants: conditional.PermitAll{},
		addr:    conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	if conf.Identity.Enabled {
		s.tenants = identity.Authorizer{}
	}
	r.Use(middleware.Cors(conf.Server.AllowedOrigins))
	r.Use(middleware.Opentelemetry(conf.Tracing, metrics))
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identity(conf.Identity))
		r.Use(middleware.StripEmptyQueryParams())
		r.Use(validator)

		r.Get("/process-definitions", s.GetProcessDefinitions)
		r.Post("/process-definitions", s.DeployProcessDefinition)
		r.Get("/process-definitions/{processDefinitionKey}/start-subscriptions", s.GetStartSubscriptions)
		r.Post("/process-instances", s.CreateProcessInstance)
		r.Get("/process-instances/{processInstanceKey}", s.GetProcessInstance)
		r.Get("/process-instances/{processInstanceKey}/element-instances", s.GetElementInstances)
		r.Get("/process-instances/{processInstanceKey}/conditional-subscriptions", s.GetConditionalSubscriptions)
		r.Get("/element-instances/{elementInstanceKey}/variables", s.GetVariables)
		r.Post("/element-instances/{elementInstanceKey}/variables", s.SetVariables)
		r.Post("/element-instances/{elementInstanceKey}/complete", s.CompleteTask)
		r.Post("/conditionals/evaluate", s.EvaluateConditionals)
		r.Get("/records", s.GetRecords)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			status, err := node.GetStatus()
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJson(w, http.StatusOK, status)
		})
	})
	return &s, nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("zencond REST server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func caller(r *http.Request) runtime.Identity {
	user, ok := identity.FromContext(r.Context())
	if !ok {
		return identity.Anonymous
	}
	return user
}

// visible hides resources of tenants the caller is not assigned to, they
// are reported as missing.
func (s *Server) visible(r *http.Request, tenantId string) bool {
	return s.tenants.IsAssigned(caller(r), tenantId)
}

func pathKey(r *http.Request, name string) (int64, error) {
	var key int64
	err := apiruntime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &key, apiruntime.BindStyledParameterOptions{
		ParamLocation: apiruntime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	return key, err
}

func decodeBody(r *http.Request, body any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func defaultPagination(page **int32, size **int32) {
	if *page == nil {
		p := PaginationDefaultPage
		*page = &p
	}
	if *size == nil {
		sz := PaginationDefaultSize
		*size = &sz
	}
}

func (s *Server) GetProcessDefinitions(w http.ResponseWriter, r *http.Request) {
	var tenantId string
	var page, size *int32
	query := r.URL.Query()
	for name, dest := range map[string]any{"tenantId": &tenantId, "page": &page, "size": &size} {
		if err := apiruntime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			badRequest(w, err)
			return
		}
	}
	defaultPagination(&page, &size)

	definitions, err := s.node.Engine().FindProcessDefinitions(r.Context(), tenantId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	items := make([]ProcessDefinition, 0, len(definitions))
	for _, definition := range definitions {
		if !s.visible(r, definition.TenantId) {
			continue
		}
		items = append(items, toProcessDefinition(definition))
	}

	p, sz := int(*page), int(*size)
	totalCount := len(items)
	start := min((p-1)*sz, totalCount)
	end := min(start+sz, totalCount)
	pagedItems := items[start:end]
	writeJson(w, http.StatusOK, ProcessDefinitionsPage{
		Items: pagedItems,
		PageMetadata: PageMetadata{
			Page:       p,
			Size:       sz,
			Count:      len(pagedItems),
			TotalCount: totalCount,
		},
	})
}

func (s *Server) DeployProcessDefinition(w http.ResponseWriter, r *http.Request) {
	var request DeployRequest
	if err := decodeBody(r, &request); err != nil {
		badRequest(w, err)
		return
	}
	tenantId := request.TenantId
	if tenantId == "" {
		tenantId = runtime.DefaultTenantId
	}
	if !s.visible(r, tenantId) {
		writeError(w, http.StatusForbidden, ApiError{
			Code:    string(exporter.RejectionForbidden),
			Message: fmt.Sprintf("user is not assigned to tenant '%s'", tenantId),
		})
		return
	}
	definition, err := s.node.Deploy(r.Context(), []byte(request.BpmnXml), request.ResourceName, request.TenantId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, toProcessDefinition(definition))
}

func (s *Server) GetStartSubscriptions(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "processDefinitionKey")
	if err != nil {
		badRequest(w, err)
		return
	}
	definition, err := s.node.Engine().FindProcessDefinition(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !s.visible(r, definition.TenantId) {
		notFound(w, fmt.Sprintf("process definition %d not found", key))
		return
	}
	subscriptions, err := s.node.Engine().FindStartSubscriptions(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJson(w, http.StatusOK, toSubscriptions(subscriptions))
}

func (s *Server) CreateProcessInstance(w http.ResponseWriter, r *http.Request) {
	var request CreateProcessInstanceRequest
	if err := decodeBody(r, &request); err != nil {
		badRequest(w, err)
		return
	}
	if request.ProcessDefinitionKey == 0 && request.BpmnProcessId == "" {
		badRequest(w, errors.New("either processDefinitionKey or bpmnProcessId is required"))
		return
	}
	tenantId := request.TenantId
	if request.ProcessDefinitionKey != 0 {
		definition, err := s.node.Engine().FindProcessDefinition(r.Context(), request.ProcessDefinitionKey)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		tenantId = definition.TenantId
	}
	if tenantId == "" {
		tenantId = runtime.DefaultTenantId
	}
	if !s.visible(r, tenantId) {
		notFound(w, "process definition not found")
		return
	}
	instance, err := s.node.CreateInstance(r.Context(), command.CreateInstance{
		ProcessDefinitionKey: request.ProcessDefinitionKey,
		BpmnProcessId:        request.BpmnProcessId,
		TenantId:             request.TenantId,
		Variables:            request.Variables,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, toProcessInstance(instance))
}

// processInstance reads the instance of the key path parameter, it writes
// the error response when the instance is not visible.
func (s *Server) processInstance(w http.ResponseWriter, r *http.Request) (runtime.ProcessInstance, bool) {
	key, err := pathKey(r, "processInstanceKey")
	if err != nil {
		badRequest(w, err)
		return runtime.ProcessInstance{}, false
	}
	instance, err := s.node.Engine().FindProcessInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return runtime.ProcessInstance{}, false
	}
	if !s.visible(r, instance.TenantId) {
		notFound(w, fmt.Sprintf("process instance %d not found", key))
		return runtime.ProcessInstance{}, false
	}
	return instance, true
}

func (s *Server) GetProcessInstance(w http.ResponseWriter, r *http.Request) {
	instance, ok := s.processInstance(w, r)
	if !ok {
		return
	}
	writeJson(w, http.StatusOK, toProcessInstance(instance))
}

func (s *Server) GetElementInstances(w http.ResponseWriter, r *http.Request) {
	instance, ok := s.processInstance(w, r)
	if !ok {
		return
	}
	var active *bool
	if err := apiruntime.BindQueryParameter("form", true, false, "active", r.URL.Query(), &active); err != nil {
		badRequest(w, err)
		return
	}
	elements, err := s.node.Engine().FindElementInstances(r.Context(), instance.Key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := make([]ElementInstance, 0, len(elements))
	for _, element := range elements {
		if active != nil && element.IsActive() != *active {
			continue
		}
		result = append(result, toElementInstance(element))
	}
	writeJson(w, http.StatusOK, result)
}

func (s *Server) GetConditionalSubscriptions(w http.ResponseWriter, r *http.Request) {
	instance, ok := s.processInstance(w, r)
	if !ok {
		return
	}
	subscriptions, err := s.node.Engine().FindConditionalSubscriptions(r.Context(), instance.Key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJson(w, http.StatusOK, toSubscriptions(subscriptions))
}

// elementInstance resolves the key path parameter into a visible element
// instance of any state.
func (s *Server) elementInstance(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := pathKey(r, "elementInstanceKey")
	if err != nil {
		badRequest(w, err)
		return 0, false
	}
	element, err := s.node.Engine().FindElementInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return 0, false
	}
	if !s.visible(r, element.TenantId) {
		notFound(w, fmt.Sprintf("element instance %d not found", key))
		return 0, false
	}
	return key, true
}

func (s *Server) GetVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := s.elementInstance(w, r)
	if !ok {
		return
	}
	variables, err := s.node.Engine().FindVariables(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJson(w, http.StatusOK, variables)
}

func (s *Server) SetVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := s.elementInstance(w, r)
	if !ok {
		return
	}
	var request SetVariablesRequest
	if err := decodeBody(r, &request); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.node.SetVariables(r.Context(), key, request.Variables, request.Local); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) CompleteTask(w http.ResponseWriter, r *http.Request) {
	key, ok := s.elementInstance(w, r)
	if !ok {
		return
	}
	var request CompleteTaskRequest
	if err := decodeBody(r, &request); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.node.CompleteTask(r.Context(), key, request.Variables); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvaluateConditionals evaluates conditional start events on behalf of the
// caller, the engine checks permissions and tenant assignment.
func (s *Server) EvaluateConditionals(w http.ResponseWriter, r *http.Request) {
	var request EvaluateConditionalsRequest
	if err := decodeBody(r, &request); err != nil {
		badRequest(w, err)
		return
	}
	processDefinitionKey := runtime.NoKey
	if request.ProcessDefinitionKey != nil {
		processDefinitionKey = *request.ProcessDefinitionKey
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otelint.TenantKey.String(request.TenantId))
	result, err := s.node.Evaluate(r.Context(), command.Evaluate{
		ProcessDefinitionKey: processDefinitionKey,
		TenantId:             request.TenantId,
		Variables:            request.Variables,
		Identity:             caller(r),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	started := result.StartedProcessInstances
	if started == nil {
		started = []exporter.StartedProcessInstance{}
	}
	writeJson(w, http.StatusOK, EvaluateConditionalsResponse{
		ProcessDefinitionKey:    result.ProcessDefinitionKey,
		TenantId:                result.TenantId,
		StartedProcessInstances: started,
	})
}

func (s *Server) GetRecords(w http.ResponseWriter, r *http.Request) {
	var after int64
	limit := RecordsDefaultLimit
	query := r.URL.Query()
	if err := apiruntime.BindQueryParameter("form", true, false, "after", query, &after); err != nil {
		badRequest(w, err)
		return
	}
	if err := apiruntime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		badRequest(w, err)
		return
	}
	records := s.node.Records(after, limit)
	visible := slices.DeleteFunc(slices.Clone(records), func(record exporter.Record) bool {
		tenantId, ok := record.TenantId()
		return ok && !s.visible(r, tenantId)
	})
	if visible == nil {
		visible = []exporter.Record{}
	}
	writeJson(w, http.StatusOK, visible)
}
