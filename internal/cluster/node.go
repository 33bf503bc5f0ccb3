// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package cluster runs the engine as a replicated state machine. Requests
// are written into the raft log by the leader and every node applies the
// committed commands to its own engine in log order.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"go.opentelemetry.io/otel"

	"github.com/pbinitiative/zencond/internal/cluster/command"
	"github.com/pbinitiative/zencond/internal/cluster/network"
	"github.com/pbinitiative/zencond/internal/cluster/store"
	"github.com/pbinitiative/zencond/internal/cluster/zenerr"
	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/identity"
	"github.com/pbinitiative/zencond/internal/log"
	"github.com/pbinitiative/zencond/pkg/bpmn"
	"github.com/pbinitiative/zencond/pkg/bpmn/exporter"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
	zenotel "github.com/pbinitiative/zencond/pkg/otel"
	"github.com/pbinitiative/zencond/pkg/storage"
	"github.com/pbinitiative/zencond/pkg/storage/inmemory"
	"github.com/pbinitiative/zencond/pkg/zenflake"
)

const (
	leaderWaitTimeout  = 10 * time.Second
	appliedWaitTimeout = 120 * time.Second
)

// ZenNode is one member of the cluster. It owns the engine replica of the
// node and the raft store feeding it.
//
// Changes in the cluster are always directed towards the leader. The leader
// writes them into the raft log and they take effect only after they have
// been applied from the log.
type ZenNode struct {
	store   *store.Store
	engine  *bpmn.Engine
	records *exporter.RecordingExporter
	ids     *snowflake.Node
	logger  hclog.Logger
	muxLn   net.Listener
}

// StartZenNode starts a cluster node and bootstraps a single node cluster
// when configured to.
func StartZenNode(mainCtx context.Context, conf config.Config) (*ZenNode, error) {
	node := &ZenNode{
		logger:  hclog.Default().Named(fmt.Sprintf("zen-node-%s", conf.Cluster.NodeId)),
		records: exporter.NewRecordingExporter(conf.Engine.RecordBuffer),
	}

	var err error
	node.ids, err = zenflake.NewNode(commandNodeId(conf.Cluster.NodeId))
	if err != nil {
		return nil, fmt.Errorf("failed to create command id generator: %w", err)
	}

	metrics, err := zenotel.NewMetrics(otel.Meter("zencond-engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}
	options := []bpmn.EngineOption{
		bpmn.EngineWithName(fmt.Sprintf("zencond-engine-%s", conf.Cluster.NodeId)),
		bpmn.EngineWithStorage(inmemory.NewStorage()),
		bpmn.EngineWithLogger(log.Logger().Named("engine")),
		bpmn.EngineWithExporter(node.records),
		bpmn.EngineWithExporter(metrics),
		bpmn.EngineWithDefinitionCache(conf.Engine.DefinitionCacheSize, conf.Engine.DefinitionCacheTTL),
	}
	if conf.Identity.Enabled {
		options = append(options, bpmn.EngineWithIdentity(identity.Authorizer{}, identity.Authorizer{}))
	}
	node.engine = bpmn.NewEngine(options...)

	mux, muxLn, err := network.NewNodeMux(conf.Cluster.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZenNode mux on %s: %w", conf.Cluster.RaftAddr, err)
	}
	node.muxLn = muxLn

	node.store = store.New(network.NewRaftLayer(mux), node, store.DefaultConfig(conf.Cluster))
	if err = node.store.Open(); err != nil {
		muxLn.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if conf.Cluster.Bootstrap {
		peers, err := parsePeers(conf.Cluster.Peers)
		if err != nil {
			return nil, errors.Join(err, node.Stop())
		}
		if err := node.store.BootstrapSelf(peers...); err != nil {
			return nil, errors.Join(err, node.Stop())
		}
	}
	if _, err = node.store.WaitForLeader(leaderWaitTimeout); err != nil {
		return nil, errors.Join(fmt.Errorf("timeout expired before leader information was received"), node.Stop())
	}
	if err = node.store.WaitForAllApplied(appliedWaitTimeout); err != nil {
		node.logger.Error(fmt.Sprintf("failed to apply log until timeout was reached: %s", err))
	}
	return node, nil
}

// commandNodeId derives the snowflake node of the command id generator from
// the raft node id.
func commandNodeId(nodeId string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeId))
	return int64(h.Sum32())
}

func (node *ZenNode) Stop() error {
	var joinErr error
	if node.store.IsLeader() {
		if servers, err := node.store.Servers(); err == nil && len(servers) > 1 {
			if err := node.store.Stepdown(true); err != nil {
				node.logger.Warn(fmt.Sprintf("failed to transfer leadership: %s", err))
			}
		}
	}
	if err := node.store.Close(true); err != nil {
		joinErr = errors.Join(joinErr, fmt.Errorf("failed to close zen node store: %w", err))
	}
	if err := node.muxLn.Close(); err != nil {
		joinErr = errors.Join(joinErr, fmt.Errorf("failed to close mux listener: %w", err))
	}
	node.engine.Stop()
	return joinErr
}

// ApplyCommand applies a committed command to the engine of this node.
func (node *ZenNode) ApplyCommand(ctx context.Context, cmd command.Command) (any, error) {
	node.logger.Debug(fmt.Sprintf("applying %s command %d", cmd.Type, cmd.Id))
	switch cmd.Type {
	case command.TypeDeploy:
		payload, err := command.Payload[command.Deploy](cmd)
		if err != nil {
			return nil, err
		}
		return node.engine.Deploy(ctx, payload.Data, payload.ResourceName, payload.TenantId)
	case command.TypeCreateInstance:
		payload, err := command.Payload[command.CreateInstance](cmd)
		if err != nil {
			return nil, err
		}
		if payload.ProcessDefinitionKey != 0 {
			return node.engine.CreateInstance(ctx, payload.ProcessDefinitionKey, payload.Variables)
		}
		return node.engine.CreateInstanceById(ctx, payload.BpmnProcessId, payload.TenantId, payload.Variables)
	case command.TypeSetVariables:
		payload, err := command.Payload[command.SetVariables](cmd)
		if err != nil {
			return nil, err
		}
		return nil, node.engine.SetVariables(ctx, payload.ElementInstanceKey, payload.Variables, payload.Local)
	case command.TypeCompleteTask:
		payload, err := command.Payload[command.CompleteTask](cmd)
		if err != nil {
			return nil, err
		}
		return nil, node.engine.CompleteTask(ctx, payload.ElementInstanceKey, payload.Variables)
	case command.TypeEvaluate:
		payload, err := command.Payload[command.Evaluate](cmd)
		if err != nil {
			return nil, err
		}
		return node.engine.Evaluate(ctx, payload)
	case command.TypeTrigger:
		payload, err := command.Payload[command.Trigger](cmd)
		if err != nil {
			return nil, err
		}
		return node.engine.Trigger(ctx, payload)
	default:
		return nil, fmt.Errorf("%w %s of command %d", zenerr.ErrUnknownCommand, cmd.Type, cmd.Id)
	}
}

func (node *ZenNode) WriteSnapshot(w io.Writer) error {
	return node.engine.Exclusively(func(persistence storage.Storage) error {
		snapshotter, ok := persistence.(storage.Snapshotter)
		if !ok {
			return fmt.Errorf("storage %T does not support snapshots", persistence)
		}
		return snapshotter.WriteSnapshot(w)
	})
}

func (node *ZenNode) ReadSnapshot(r io.Reader) error {
	return node.engine.Exclusively(func(persistence storage.Storage) error {
		snapshotter, ok := persistence.(storage.Snapshotter)
		if !ok {
			return fmt.Errorf("storage %T does not support snapshots", persistence)
		}
		return snapshotter.ReadSnapshot(r)
	})
}

var _ store.StateMachine = &ZenNode{}

// apply writes the command into the log and returns the result of applying
// it on this node.
func apply[T any](ctx context.Context, node *ZenNode, commandType command.Type, payload any) (T, error) {
	var result T
	cmd, err := command.New(ctx, node.ids.Generate().Int64(), commandType, payload)
	if err != nil {
		return result, err
	}
	res, err := node.store.Apply(ctx, cmd)
	if err != nil {
		return result, err
	}
	if res == nil {
		return result, nil
	}
	result, ok := res.(T)
	if !ok {
		return result, fmt.Errorf("unexpected result of %s command: %T", commandType, res)
	}
	return result, nil
}

// Deploy deploys the BPMN resource as a new version of its process.
func (node *ZenNode) Deploy(ctx context.Context, data []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error) {
	return apply[runtime.ProcessDefinition](ctx, node, command.TypeDeploy, command.Deploy{
		ResourceName: resourceName,
		Data:         data,
		TenantId:     tenantId,
	})
}

func (node *ZenNode) CreateInstance(ctx context.Context, request command.CreateInstance) (runtime.ProcessInstance, error) {
	return apply[runtime.ProcessInstance](ctx, node, command.TypeCreateInstance, request)
}

func (node *ZenNode) SetVariables(ctx context.Context, elementInstanceKey int64, variables map[string]any, local bool) error {
	_, err := apply[any](ctx, node, command.TypeSetVariables, command.SetVariables{
		ElementInstanceKey: elementInstanceKey,
		Variables:          variables,
		Local:              local,
	})
	return err
}

func (node *ZenNode) CompleteTask(ctx context.Context, elementInstanceKey int64, variables map[string]any) error {
	_, err := apply[any](ctx, node, command.TypeCompleteTask, command.CompleteTask{
		ElementInstanceKey: elementInstanceKey,
		Variables:          variables,
	})
	return err
}

// Evaluate applies an ad-hoc evaluation of conditional start events.
func (node *ZenNode) Evaluate(ctx context.Context, request command.Evaluate) (exporter.ConditionalEvaluationValue, error) {
	return apply[exporter.ConditionalEvaluationValue](ctx, node, command.TypeEvaluate, request)
}

// Trigger replays a trigger command, the engine produces its own triggers
// while applying variable changes.
func (node *ZenNode) Trigger(ctx context.Context, request command.Trigger) (bool, error) {
	return apply[bool](ctx, node, command.TypeTrigger, request)
}

// Engine gives read access to the engine replica of this node, reads may lag
// behind the leader on followers.
func (node *ZenNode) Engine() *bpmn.Engine {
	return node.engine
}

// Records returns the records exported by the engine of this node after
// the position.
func (node *ZenNode) Records(after int64, limit int) []exporter.Record {
	return node.records.After(after, limit)
}

type Status struct {
	NodeId      string `json:"nodeId"`
	Addr        string `json:"addr"`
	Leader      bool   `json:"leader"`
	LeaderId    string `json:"leaderId"`
	CommitIndex uint64 `json:"commitIndex"`
}

func (node *ZenNode) GetStatus() (Status, error) {
	commitIndex, err := node.store.CommitIndex()
	if err != nil {
		return Status{}, err
	}
	_, leaderId := node.store.LeaderWithID()
	return Status{
		NodeId:      node.store.ID(),
		Addr:        node.store.Addr(),
		Leader:      node.store.IsLeader(),
		LeaderId:    leaderId,
		CommitIndex: commitIndex,
	}, nil
}

// parsePeers reads peers written as id=host:port.
func parsePeers(peers []string) ([]raft.Server, error) {
	servers := make([]raft.Server, 0, len(peers))
	for _, peer := range peers {
		id, addr, ok := strings.Cut(peer, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w %q, expected id=host:port", zenerr.ErrInvalidPeer, peer)
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(addr),
		})
	}
	return servers, nil
}
