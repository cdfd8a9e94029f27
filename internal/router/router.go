// Package router forwards the structured contents of completed cells to
// downstream stores. Each category is routed independently and a failing item
// never prevents the remaining items from being attempted.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/research-assistant/internal/types"
)

// Category names, also used as the stored category column
const (
	CategoryReferences     = "references"
	CategoryDataFiles      = "data_files"
	CategoryVisualizations = "visualizations"
	CategoryVariables      = "variables"
	CategoryLibraries      = "libraries"
	CategoryWriteUps       = "write_ups"
)

// Categories lists every routed category
var Categories = []string{
	CategoryReferences,
	CategoryDataFiles,
	CategoryVisualizations,
	CategoryVariables,
	CategoryLibraries,
	CategoryWriteUps,
}

// Sinks holds one destination per category. Nil sinks are skipped.
type Sinks struct {
	References     Sink[types.Reference]
	DataFiles      Sink[types.DataFile]
	Visualizations Sink[types.Visualization]
	Variables      Sink[types.Variable]
	Libraries      Sink[types.Library]
	WriteUps       Sink[types.WriteUp]
}

// StoreSinks routes every category into store
func StoreSinks(store ItemAppender) Sinks {
	return Sinks{
		References:     NewStoreSink[types.Reference](store, CategoryReferences),
		DataFiles:      NewStoreSink[types.DataFile](store, CategoryDataFiles),
		Visualizations: NewStoreSink[types.Visualization](store, CategoryVisualizations),
		Variables:      NewStoreSink[types.Variable](store, CategoryVariables),
		Libraries:      NewStoreSink[types.Library](store, CategoryLibraries),
		WriteUps:       NewStoreSink[types.WriteUp](store, CategoryWriteUps),
	}
}

// Observer is notified about every routed item
type Observer interface {
	ItemRouted(category string, ok bool)
}

// Router dispatches cell entities to sinks
type Router struct {
	sinks    Sinks
	logger   *zap.Logger
	observer Observer
}

// New creates a router. logger and observer may be nil.
func New(sinks Sinks, logger *zap.Logger, observer Observer) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sinks: sinks, logger: logger, observer: observer}
}

type outcome struct {
	attempted int
	failed    int
}

// Route forwards the cell's entities. Cells already marked as routed are skipped,
// so a cell is delivered at most once. The cell itself is not modified.
func (r *Router) Route(ctx context.Context, sessionID string, cell *types.Cell) types.DataRouterResult {
	if cell.Routed {
		return types.DataRouterResult{Success: true, Message: "already routed", Skipped: true}
	}

	return r.Dispatch(ctx, sessionID, cell.ID, Extract(cell))
}

// Dispatch forwards ents on behalf of cellID. Unlike Route it does not consult
// the routed flag; callers pass only items that were not delivered before.
func (r *Router) Dispatch(ctx context.Context, sessionID, cellID string, ents types.Entities) types.DataRouterResult {
	if ents.Empty() {
		return types.DataRouterResult{Success: true, Message: "nothing to route"}
	}

	var (
		refs, files, vis, vars, libs, writeups outcome
		g                                      errgroup.Group
	)
	g.Go(func() error {
		refs = dispatch(ctx, r, sessionID, cellID, CategoryReferences, r.sinks.References, ents.References)
		return nil
	})
	g.Go(func() error {
		files = dispatch(ctx, r, sessionID, cellID, CategoryDataFiles, r.sinks.DataFiles, ents.DataFiles)
		return nil
	})
	g.Go(func() error {
		vis = dispatch(ctx, r, sessionID, cellID, CategoryVisualizations, r.sinks.Visualizations, ents.Visualizations)
		return nil
	})
	g.Go(func() error {
		vars = dispatch(ctx, r, sessionID, cellID, CategoryVariables, r.sinks.Variables, ents.Variables)
		return nil
	})
	g.Go(func() error {
		libs = dispatch(ctx, r, sessionID, cellID, CategoryLibraries, r.sinks.Libraries, ents.Libraries)
		return nil
	})
	g.Go(func() error {
		writeups = dispatch(ctx, r, sessionID, cellID, CategoryWriteUps, r.sinks.WriteUps, ents.WriteUps)
		return nil
	})
	_ = g.Wait()

	result := types.DataRouterResult{
		RoutedItems: types.RoutedCounts{
			References:     refs.attempted,
			DataFiles:      files.attempted,
			Visualizations: vis.attempted,
			Variables:      vars.attempted,
			Libraries:      libs.attempted,
			WriteUps:       writeups.attempted,
		},
		Failed: refs.failed + files.failed + vis.failed + vars.failed + libs.failed + writeups.failed,
	}
	result.Success = result.Failed == 0
	if result.Success {
		result.Message = fmt.Sprintf("routed %d items", result.RoutedItems.Total())
	} else {
		result.Message = fmt.Sprintf("routed %d items, %d failed", result.RoutedItems.Total(), result.Failed)
	}
	return result
}

// Extract returns the routable entities of a cell. Write-up cells contribute their
// full content as a single write-up.
func Extract(cell *types.Cell) types.Entities {
	if cell.Metadata == nil {
		return types.Entities{}
	}
	ents := cell.Metadata.Entities()
	if meta, ok := types.MetadataAs[types.WriteupMetadata](cell); ok && strings.TrimSpace(cell.Content) != "" {
		ents.WriteUps = append(ents.WriteUps, types.WriteUp{Title: meta.Title, Content: cell.Content})
	}
	return ents
}

// dispatch sends items to sink in order. A nil sink means the category is not wired.
func dispatch[T any](ctx context.Context, r *Router, sessionID, cellID, category string, sink Sink[T], items []T) outcome {
	var out outcome
	if sink == nil || len(items) == 0 {
		return out
	}
	for i, item := range items {
		out.attempted++
		err := deliver(ctx, sink, sessionID, item)
		if err != nil {
			out.failed++
			r.logger.Warn("failed to route item",
				zap.String("session_id", sessionID),
				zap.String("cell_id", cellID),
				zap.String("category", category),
				zap.Int("index", i),
				zap.Error(err))
		}
		if r.observer != nil {
			r.observer.ItemRouted(category, err == nil)
		}
	}
	return out
}

// deliver converts a panicking sink into an error
func deliver[T any](ctx context.Context, sink Sink[T], sessionID string, item T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panicked: %v", rec)
		}
	}()
	return sink.Append(ctx, sessionID, item)
}

// Subtract returns the items of ents that do not appear in prev
func Subtract(ents, prev types.Entities) types.Entities {
	return types.Entities{
		References:     subtract(ents.References, prev.References),
		DataFiles:      subtract(ents.DataFiles, prev.DataFiles),
		Visualizations: subtract(ents.Visualizations, prev.Visualizations),
		Variables:      subtract(ents.Variables, prev.Variables),
		Libraries:      subtract(ents.Libraries, prev.Libraries),
		WriteUps:       subtract(ents.WriteUps, prev.WriteUps),
	}
}

func subtract[T any](items, prev []T) []T {
	if len(prev) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(prev))
	for _, p := range prev {
		seen[itemKey(p)] = struct{}{}
	}
	var out []T
	for _, item := range items {
		if _, ok := seen[itemKey(item)]; !ok {
			out = append(out, item)
		}
	}
	return out
}

// itemKey identifies an item by its encoded form
func itemKey(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}
