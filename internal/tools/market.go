package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/reports/internal/adapter/market"
)

// MarketSnapshot fetches the current market snapshot of a symbol.
const MarketSnapshot = "market.snapshot"

// SnapshotArgs are the arguments of MarketSnapshot.
type SnapshotArgs struct {
	Symbol string `json:"symbol"`
}

// SnapshotExecutor serves MarketSnapshot from provider.
func SnapshotExecutor(provider market.Provider) ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in SnapshotArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if in.Symbol == "" {
			return nil, errors.New("symbol is required")
		}
		snap, err := provider.Snapshot(ctx, in.Symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(snap)
	}
}

// NewDefaultRegistry registers the data tools the report pipelines use.
func NewDefaultRegistry(provider market.Provider) *Registry {
	r := NewRegistry()
	r.MustRegister(MarketSnapshot, SnapshotExecutor(provider))
	return r
}
