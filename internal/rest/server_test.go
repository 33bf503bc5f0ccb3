package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zencond/internal/cluster"
	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/identity"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

const testSecret = "rest-test-secret"

type testApi struct {
	t      *testing.T
	node   *cluster.ZenNode
	server *httptest.Server
	token  string
}

func startTestApi(t *testing.T, identityConf config.Identity) *testApi {
	t.Helper()
	conf := config.Config{
		Cluster: config.Cluster{
			Bootstrap: true,
			RaftAddr:  "127.0.0.1:0",
			RaftDir:   t.TempDir(),
			NodeId:    "rest-1",
		},
		Engine:   config.Engine{DefinitionCacheSize: 16, RecordBuffer: 1000},
		Identity: identityConf,
		Tracing:  config.Tracing{Name: "zencond-test"},
	}
	node, err := cluster.StartZenNode(t.Context(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Stop() })

	s, err := NewServer(node, conf, nil)
	require.NoError(t, err)
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return &testApi{t: t, node: node, server: server}
}

func (a *testApi) as(user runtime.Identity) *testApi {
	token, err := identity.Sign(config.Identity{JwtSecret: testSecret}, user, time.Minute)
	require.NoError(a.t, err)
	return &testApi{t: a.t, node: a.node, server: a.server, token: token}
}

func (a *testApi) do(method string, path string, body any, result any) int {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(a.t.Context(), method, a.server.URL+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if result != nil && resp.StatusCode < 300 {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(result))
	}
	return resp.StatusCode
}

func (a *testApi) deploy(file string, tenantId string) ProcessDefinition {
	a.t.Helper()
	data, err := os.ReadFile("../../pkg/bpmn/test-cases/" + file)
	require.NoError(a.t, err)
	var definition ProcessDefinition
	status := a.do(http.MethodPost, "/v1/process-definitions", DeployRequest{
		ResourceName: file,
		BpmnXml:      string(data),
		TenantId:     tenantId,
	}, &definition)
	require.Equal(a.t, http.StatusCreated, status)
	return definition
}

func TestConditionalBoundaryThroughRest(t *testing.T) {
	// given
	api := startTestApi(t, config.Identity{})
	definition := api.deploy("conditional-boundary-interrupting.bpmn", "")
	var instance ProcessInstance
	status := api.do(http.MethodPost, "/v1/process-instances", CreateProcessInstanceRequest{
		ProcessDefinitionKey: definition.Key,
		Variables:            map[string]any{"x": 1, "y": 2},
	}, &instance)
	require.Equal(t, http.StatusCreated, status)

	var subscriptions []ConditionalSubscription
	status = api.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/conditional-subscriptions", instance.Key), nil, &subscriptions)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, subscriptions, 1)
	assert.Equal(t, string(runtime.CatchPointBoundary), subscriptions[0].CatchPoint)

	var elements []ElementInstance
	status = api.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/element-instances?active=true", instance.Key), nil, &elements)
	require.Equal(t, http.StatusOK, status)
	var taskKey int64
	for _, element := range elements {
		if element.ElementId == "task" {
			taskKey = element.Key
		}
	}
	require.NotZero(t, taskKey)

	// when
	status = api.do(http.MethodPost, fmt.Sprintf("/v1/element-instances/%d/variables", taskKey), SetVariablesRequest{
		Variables: map[string]any{"x": 3},
	}, nil)

	// then
	require.Equal(t, http.StatusNoContent, status)
	status = api.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", instance.Key), nil, &instance)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(runtime.Completed), instance.State)

	status = api.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/conditional-subscriptions", instance.Key), nil, &subscriptions)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, subscriptions)

	var records []map[string]any
	status = api.do(http.MethodGet, "/v1/records?limit=1000", nil, &records)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, records)
}

func TestEvaluateConditionalsThroughRest(t *testing.T) {
	// given
	api := startTestApi(t, config.Identity{})
	definition := api.deploy("conditional-start.bpmn", "")

	var start []ConditionalSubscription
	status := api.do(http.MethodGet, fmt.Sprintf("/v1/process-definitions/%d/start-subscriptions", definition.Key), nil, &start)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, start, 1)

	// when
	var unmatched, matched EvaluateConditionalsResponse
	statusUnmatched := api.do(http.MethodPost, "/v1/conditionals/evaluate", EvaluateConditionalsRequest{
		Variables: map[string]any{"x": 1, "y": 2},
	}, &unmatched)
	statusMatched := api.do(http.MethodPost, "/v1/conditionals/evaluate", EvaluateConditionalsRequest{
		ProcessDefinitionKey: &definition.Key,
		Variables:            map[string]any{"x": 2, "y": 1},
	}, &matched)

	// then
	require.Equal(t, http.StatusOK, statusUnmatched)
	assert.Empty(t, unmatched.StartedProcessInstances)
	require.Equal(t, http.StatusOK, statusMatched)
	require.Len(t, matched.StartedProcessInstances, 1)
	assert.Equal(t, definition.Key, matched.StartedProcessInstances[0].ProcessDefinitionKey)
}

func TestRequestErrors(t *testing.T) {
	api := startTestApi(t, config.Identity{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown process instance", http.MethodGet, "/v1/process-instances/12345", nil, http.StatusNotFound},
		{"key is not a number", http.MethodGet, "/v1/process-instances/abc", nil, http.StatusBadRequest},
		{"page size above maximum", http.MethodGet, "/v1/process-definitions?size=1000", nil, http.StatusBadRequest},
		{"missing bpmn data", http.MethodPost, "/v1/process-definitions", map[string]any{"resourceName": "x.bpmn"}, http.StatusBadRequest},
		{"broken bpmn data", http.MethodPost, "/v1/process-definitions", DeployRequest{ResourceName: "x.bpmn", BpmnXml: "<nope"}, http.StatusBadRequest},
		{"evaluate unknown definition", http.MethodPost, "/v1/conditionals/evaluate", map[string]any{"processDefinitionKey": 42, "variables": map[string]any{}}, http.StatusNotFound},
		{"set variables of unknown element", http.MethodPost, "/v1/element-instances/42/variables", SetVariablesRequest{Variables: map[string]any{"x": 1}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, api.do(tt.method, tt.path, tt.body, nil))
		})
	}
}

func TestProcessDefinitionsArePaged(t *testing.T) {
	// given
	api := startTestApi(t, config.Identity{})
	api.deploy("conditional-start.bpmn", "")
	api.deploy("conditional-intermediate-catch.bpmn", "")
	api.deploy("exclusive-gateway.bpmn", "")

	// when
	var page ProcessDefinitionsPage
	status := api.do(http.MethodGet, "/v1/process-definitions?page=2&size=2", nil, &page)

	// then
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, PageMetadata{Page: 2, Size: 2, Count: 1, TotalCount: 3}, page.PageMetadata)
	assert.Len(t, page.Items, 1)
}

func TestTenantsAndTokens(t *testing.T) {
	// given
	api := startTestApi(t, config.Identity{
		Enabled:   true,
		JwtSecret: testSecret,
		Users: []config.User{{
			Username: "alice",
			Tenants:  []string{"t1"},
			Grants: []config.Grant{{
				Permission:   runtime.PermissionCreateProcessInstance,
				ResourceType: runtime.ResourceTypeProcessDefinition,
				ResourceIds:  []string{runtime.WildcardResourceId},
			}},
		}},
	})
	alice := api.as(runtime.Identity{Username: "alice"})
	bob := api.as(runtime.Identity{Username: "bob", TenantIds: []string{"t2"}})

	// when
	anonymousStatus := api.do(http.MethodGet, "/v1/process-definitions", nil, nil)
	forbiddenDeploy := alice.do(http.MethodPost, "/v1/process-definitions", DeployRequest{
		ResourceName: "conditional-start.bpmn",
		BpmnXml:      "<definitions/>",
	}, nil)
	definition := alice.deploy("conditional-start.bpmn", "t1")

	var result EvaluateConditionalsResponse
	evaluateStatus := alice.do(http.MethodPost, "/v1/conditionals/evaluate", EvaluateConditionalsRequest{
		TenantId:  "t1",
		Variables: map[string]any{"x": 2, "y": 1},
	}, &result)
	bobEvaluateStatus := bob.do(http.MethodPost, "/v1/conditionals/evaluate", EvaluateConditionalsRequest{
		TenantId:  "t1",
		Variables: map[string]any{"x": 2, "y": 1},
	}, nil)

	// then
	assert.Equal(t, http.StatusUnauthorized, anonymousStatus)
	assert.Equal(t, http.StatusForbidden, forbiddenDeploy)
	assert.Equal(t, "t1", definition.TenantId)
	require.Equal(t, http.StatusOK, evaluateStatus)
	require.Len(t, result.StartedProcessInstances, 1)
	assert.Equal(t, http.StatusForbidden, bobEvaluateStatus)

	instancePath := fmt.Sprintf("/v1/process-instances/%d", result.StartedProcessInstances[0].ProcessInstanceKey)
	assert.Equal(t, http.StatusOK, alice.do(http.MethodGet, instancePath, nil, nil))
	assert.Equal(t, http.StatusNotFound, bob.do(http.MethodGet, instancePath, nil, nil))

	var page ProcessDefinitionsPage
	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, "/v1/process-definitions", nil, &page))
	assert.Zero(t, page.PageMetadata.TotalCount)
}

func TestSystemStatus(t *testing.T) {
	api := startTestApi(t, config.Identity{})

	var status cluster.Status
	code := api.do(http.MethodGet, "/system/status", nil, &status)

	require.Equal(t, http.StatusOK, code)
	assert.True(t, status.Leader)
	assert.Equal(t, "rest-1", status.NodeId)
}
