package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	zenotel "github.com/pbinitiative/zencond/pkg/otel"
	"github.com/pbinitiative/zencond/pkg/storage"
	"github.com/pbinitiative/zencond/pkg/storage/inmemory"
)

const (
	defaultDefinitionCacheSize = 256
	defaultDefinitionCacheTTL  = 30 * time.Minute
)

// Engine applies commands to the process state one at a time. Every public
// mutating method is one command: the records it produces are exported and
// the follow-up commands it produced are applied before the method returns.
type Engine struct {
	name        string
	mu          sync.Mutex
	persistence storage.Storage
	exporters   []exporter.EventExporter
	logger      *zap.Logger
	tracer      trace.Tracer

	gate       conditional.ExpressionGate
	authorizer conditional.Authorizer
	tenants    conditional.TenantMembership

	definitions   *expirable.LRU[int64, runtime.ProcessDefinition]
	cacheSize     int
	cacheLifetime time.Duration

	manager     *conditional.Manager
	evaluator   *conditional.Evaluator
	triggers    *conditional.TriggerProcessor
	evaluations *conditional.EvaluationProcessor

	// state of the command being applied
	position  int64
	records   []exporter.Record
	followUps []followUp
	work      []command
	running   bool
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the BPMN Engine, it keeps its state in
// memory unless another storage is given.
func NewEngine(options ...EngineOption) *Engine {
	engine := Engine{
		name:          "zencond-engine",
		exporters:     []exporter.EventExporter{},
		logger:        zap.NewNop(),
		gate:          conditional.FeelGate{},
		authorizer:    conditional.PermitAll{},
		tenants:       conditional.PermitAll{},
		cacheSize:     defaultDefinitionCacheSize,
		cacheLifetime: defaultDefinitionCacheTTL,
	}

	for _, option := range options {
		option(&engine)
	}
	if engine.persistence == nil {
		engine.persistence = inmemory.NewStorage()
	}
	engine.tracer = otel.GetTracerProvider().Tracer(engine.name)
	engine.definitions = expirable.NewLRU[int64, runtime.ProcessDefinition](engine.cacheSize, nil, engine.cacheLifetime)

	c := collaborators{engine: &engine}
	engine.manager = conditional.NewManager(engine.persistence, c)
	engine.evaluator = conditional.NewEvaluator(engine.persistence, engine.gate, c, c)
	engine.triggers = conditional.NewTriggerProcessor(engine.persistence, engine.gate, c, engine.manager, c)
	engine.evaluations = conditional.NewEvaluationProcessor(engine.persistence, engine.gate, c, engine.authorizer, engine.tenants, c)
	return &engine
}

func EngineWithExporter(exporter exporter.EventExporter) EngineOption {
	return func(engine *Engine) { engine.AddEventExporter(exporter) }
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// EngineWithIdentity enables permission and tenant checks of EVALUATE
// commands, by default every identity is permitted.
func EngineWithIdentity(authorizer conditional.Authorizer, tenants conditional.TenantMembership) EngineOption {
	return func(engine *Engine) {
		engine.authorizer = authorizer
		engine.tenants = tenants
	}
}

func EngineWithExpressionGate(gate conditional.ExpressionGate) EngineOption {
	return func(engine *Engine) {
		engine.gate = gate
	}
}

func EngineWithDefinitionCache(size int, lifetime time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.cacheSize = size
		engine.cacheLifetime = lifetime
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

type clockKey struct{}

// WithClock fixes the time the engine records while applying a command, so
// that replicas applying the same log store the same timestamps.
func WithClock(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, clockKey{}, t)
}

func now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(clockKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// apply runs fn as one command followed by every follow-up it produced, all
// of it inside one storage batch. A failed command leaves no trace: its
// writes are discarded and its records dropped. A rejected command keeps its
// command and rejection records and nothing else.
func (engine *Engine) apply(ctx context.Context, spanName string, fn func(ctx context.Context) error, attributes ...attribute.KeyValue) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	ctx, span := engine.tracer.Start(ctx, spanName, trace.WithAttributes(attributes...))
	defer span.End()

	batch := engine.persistence.NewBatch()
	position := engine.position
	err := fn(ctx)
	if err == nil {
		err = engine.applyFollowUps(ctx)
	}
	if err == nil {
		err = engine.manager.Sweep(ctx)
	}
	engine.followUps = nil
	engine.work = nil
	engine.running = false

	var rejection *conditional.Rejection
	switch {
	case err == nil:
		err = batch.Flush(ctx)
	case errors.As(err, &rejection):
		err = errors.Join(err, engine.discard(ctx, batch))
	default:
		err = errors.Join(err, engine.discard(ctx, batch))
		engine.records = nil
		engine.position = position
	}
	engine.exportRecords()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (engine *Engine) discard(ctx context.Context, batch storage.Batch) error {
	engine.manager.Abandon()
	engine.definitions.Purge()
	if err := batch.Discard(ctx); err != nil {
		return fmt.Errorf("failed to discard the writes of the command: %w", err)
	}
	return nil
}

func (engine *Engine) applyFollowUps(ctx context.Context) error {
	for len(engine.followUps) > 0 {
		next := engine.followUps[0]
		engine.followUps = engine.followUps[1:]

		switch f := next.(type) {
		case triggerFollowUp:
			trace.SpanFromContext(ctx).AddEvent("conditional-trigger", trace.WithAttributes(
				attribute.Int64(zenotel.AttributeSubscriptionKey, f.trigger.SubscriptionKey),
				attribute.Int64(zenotel.AttributeElementKey, f.trigger.ElementInstanceKey),
			))
			_, err := engine.triggers.Process(ctx, f.trigger)
			var rejection *conditional.Rejection
			if errors.As(err, &rejection) {
				engine.logger.Debug("conditional trigger rejected",
					zap.Int64("subscriptionKey", f.trigger.SubscriptionKey),
					zap.String("rejectionType", string(rejection.Type)),
					zap.String("reason", rejection.Reason))
				continue
			}
			if err != nil {
				return errors.Join(newEngineErrorf("failed to trigger conditional subscription %d", f.trigger.SubscriptionKey), err)
			}
		case supersedeFollowUp:
			definition, err := engine.definition(ctx, f.newProcessDefinitionKey)
			if err != nil {
				return err
			}
			_, err = engine.manager.OnDeploymentSupersedes(ctx, f.oldProcessDefinitionKey, definition, conditional.StartCatchPoints(&definition.Definitions.Process))
			if err != nil {
				return errors.Join(newEngineErrorf("failed to supersede process definition %d", f.oldProcessDefinitionKey), err)
			}
		default:
			panic(fmt.Sprintf("[invariant check] follow up type %T not implemented", next))
		}
	}
	return nil
}

// definition returns the parsed process definition, definitions restored
// from a snapshot are parsed again from their xml data.
func (engine *Engine) definition(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	if definition, ok := engine.definitions.Get(processDefinitionKey); ok {
		return definition, nil
	}
	definition, err := engine.persistence.FindProcessDefinitionByKey(ctx, processDefinitionKey)
	if err != nil {
		return runtime.ProcessDefinition{}, errors.Join(newEngineErrorf("failed to find process definition with key %d", processDefinitionKey), err)
	}
	if definition.Definitions.Process.Id == "" {
		definitions, err := parseDefinitions([]byte(definition.BpmnData))
		if err != nil {
			return runtime.ProcessDefinition{}, err
		}
		definition.Definitions = definitions
	}
	engine.definitions.Add(processDefinitionKey, definition)
	return definition, nil
}

// ResetCaches drops cached definitions, it is called after the storage was
// replaced underneath the engine.
func (engine *Engine) ResetCaches() {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.definitions.Purge()
}

// Exclusively runs fn while no command is applied, the cluster store uses it
// to snapshot and to replace the storage content. Cached definitions are
// dropped afterwards.
func (engine *Engine) Exclusively(fn func(persistence storage.Storage) error) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	defer engine.definitions.Purge()
	return fn(engine.persistence)
}

// Storage gives access to the storage of the engine. Callers must not mutate
// it while commands are applied.
func (engine *Engine) Storage() storage.Storage {
	return engine.persistence
}

func (engine *Engine) Stop() {
	engine.ResetCaches()
}
