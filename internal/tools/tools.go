// Package tools registers the engine's tool set on the gateway: knowledge
// search, work order and equipment lookups, work order updates, and report
// generation. Every handler checks the caller's capability before touching
// a backend.
package tools

import (
	"context"
	"fmt"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/conversation"
	"github.com/alpacapurpura/fieldline/internal/gateway"
	"github.com/alpacapurpura/fieldline/internal/records"
)

// KnowledgeSearcher answers ranked document searches.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]conversation.RAGResult, error)
}

// RecordsClient reaches the external business-records service.
type RecordsClient interface {
	GetWorkOrder(ctx context.Context, id string) (*records.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, id string, fields map[string]any) (*records.WorkOrder, error)
	GetEquipment(ctx context.Context, id string) (*records.Equipment, error)
}

// SnapshotLoader reads conversation snapshots for report generation.
type SnapshotLoader interface {
	Load(ctx context.Context, threadID string) (*conversation.State, error)
}

// Deps holds the backends the tool set needs.
type Deps struct {
	Knowledge KnowledgeSearcher
	Records   RecordsClient
	Snapshots SnapshotLoader

	// DefaultTopK bounds search_knowledge when the caller passes no limit.
	DefaultTopK int
}

// Register adds every tool to the gateway.
func Register(g *gateway.Gateway, deps Deps) error {
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = 5
	}

	toolset := []gateway.Tool{
		{
			Name:        "search_knowledge",
			Description: "Search service documentation and return ranked excerpts.",
			Params: []gateway.ParamSpec{
				{Name: "query", Type: "string", Required: true, Description: "Search query"},
				{Name: "limit", Type: "number", Description: "Maximum number of results"},
			},
			Handler: searchKnowledge(deps),
		},
		{
			Name:        "get_work_order",
			Description: "Fetch a work order by id.",
			Params: []gateway.ParamSpec{
				{Name: "work_order_id", Type: "string", Required: true},
			},
			Handler: getWorkOrder(deps),
		},
		{
			Name:        "update_work_order",
			Description: "Apply a partial update to a work order.",
			Params: []gateway.ParamSpec{
				{Name: "work_order_id", Type: "string", Required: true},
				{Name: "fields", Type: "object", Required: true, Description: "Fields to update"},
			},
			Handler: updateWorkOrder(deps),
		},
		{
			Name:        "get_equipment_info",
			Description: "Fetch an equipment record by id.",
			Params: []gateway.ParamSpec{
				{Name: "equipment_id", Type: "string", Required: true},
			},
			Handler: getEquipmentInfo(deps),
		},
		{
			Name:        "generate_report",
			Description: "Render a service report from a conversation's recorded state.",
			Params: []gateway.ParamSpec{
				{Name: "thread_id", Type: "string", Required: true},
			},
			Handler: generateReport(deps),
		},
	}

	for _, t := range toolset {
		if err := g.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func requireCapability(identity *auth.Identity, cap auth.Capability) error {
	if !identity.Can(cap) {
		return fmt.Errorf("%w: %s required", auth.ErrPermissionDenied, cap)
	}
	return nil
}

func searchKnowledge(deps Deps) gateway.Handler {
	return func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error) {
		if err := requireCapability(identity, auth.CapSearchKnowledge); err != nil {
			return nil, err
		}
		query := params["query"].(string)
		limit := deps.DefaultTopK
		if v, ok := params["limit"].(float64); ok && int(v) > 0 {
			limit = int(v)
		}
		if limit > 50 {
			limit = 50
		}
		results, err := deps.Knowledge.Search(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("knowledge search: %w", err)
		}
		if results == nil {
			results = []conversation.RAGResult{}
		}
		return map[string]any{"results": results}, nil
	}
}

func getWorkOrder(deps Deps) gateway.Handler {
	return func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error) {
		if err := requireCapability(identity, auth.CapReadOrders); err != nil {
			return nil, err
		}
		wo, err := deps.Records.GetWorkOrder(ctx, params["work_order_id"].(string))
		if err != nil {
			return nil, err
		}
		return wo, nil
	}
}

func updateWorkOrder(deps Deps) gateway.Handler {
	return func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error) {
		if err := requireCapability(identity, auth.CapWriteOrders); err != nil {
			return nil, err
		}
		fields := params["fields"].(map[string]any)
		wo, err := deps.Records.UpdateWorkOrder(ctx, params["work_order_id"].(string), fields)
		if err != nil {
			return nil, err
		}
		return wo, nil
	}
}

func getEquipmentInfo(deps Deps) gateway.Handler {
	return func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error) {
		if err := requireCapability(identity, auth.CapReadEquipment); err != nil {
			return nil, err
		}
		eq, err := deps.Records.GetEquipment(ctx, params["equipment_id"].(string))
		if err != nil {
			return nil, err
		}
		return eq, nil
	}
}

func generateReport(deps Deps) gateway.Handler {
	return func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error) {
		if err := requireCapability(identity, auth.CapReadOrders); err != nil {
			return nil, err
		}
		threadID := params["thread_id"].(string)
		state, err := deps.Snapshots.Load(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", threadID, err)
		}
		if state == nil {
			return nil, fmt.Errorf("no conversation recorded for thread %s", threadID)
		}
		return map[string]any{
			"thread_id": threadID,
			"report":    RenderReport(threadID, state),
		}, nil
	}
}
