package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-assistant/internal/types"
)

type countingObserver struct {
	mu   sync.Mutex
	ok   map[string]int
	fail map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ok: map[string]int{}, fail: map[string]int{}}
}

func (o *countingObserver) ItemRouted(category string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.ok[category]++
	} else {
		o.fail[category]++
	}
}

func referenceCell(titles ...string) *types.Cell {
	meta := &types.InitializationMetadata{}
	for _, title := range titles {
		meta.References = append(meta.References, types.Reference{Title: title})
	}
	return &types.Cell{ID: "cell-1", Kind: types.KindInitialization, Status: types.StatusCompleted, Metadata: meta}
}

func TestRoute_PartialFailureStillAttemptsAll(t *testing.T) {
	stored := NewMemorySink[types.Reference]()
	failing := SinkFunc[types.Reference](func(ctx context.Context, sessionID string, ref types.Reference) error {
		if ref.Title == "second" {
			return errors.New("reference store unavailable")
		}
		return stored.Append(ctx, sessionID, ref)
	})
	obs := newCountingObserver()
	r := New(Sinks{References: failing}, nil, obs)

	result := r.Route(context.Background(), "s1", referenceCell("first", "second", "third"))

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.RoutedItems.References)
	assert.Equal(t, 1, result.Failed)

	items := stored.Items("s1")
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Title)
	assert.Equal(t, "third", items[1].Title)
	assert.Equal(t, 2, obs.ok[CategoryReferences])
	assert.Equal(t, 1, obs.fail[CategoryReferences])
}

func TestRoute_PanickingSinkIsContained(t *testing.T) {
	vars := NewMemorySink[types.Variable]()
	panicky := SinkFunc[types.Visualization](func(context.Context, string, types.Visualization) error {
		panic("boom")
	})
	r := New(Sinks{Variables: vars, Visualizations: panicky}, nil, nil)

	cell := &types.Cell{
		ID:     "r1",
		Kind:   types.KindResult,
		Status: types.StatusCompleted,
		Metadata: &types.ResultMetadata{
			Variables:      []types.Variable{{Name: "median", Value: "3"}},
			Visualizations: []types.Visualization{{Title: "box plot"}},
		},
	}
	result := r.Route(context.Background(), "s1", cell)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.RoutedItems.Variables)
	assert.Equal(t, 1, result.RoutedItems.Visualizations)
	assert.Len(t, vars.Items("s1"), 1, "other categories are unaffected")
}

func TestRoute_SkipsAlreadyRoutedCells(t *testing.T) {
	refs := NewMemorySink[types.Reference]()
	r := New(Sinks{References: refs}, nil, nil)

	cell := referenceCell("only")
	cell.Routed = true
	result := r.Route(context.Background(), "s1", cell)

	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Empty(t, refs.Items("s1"))
}

func TestRoute_NilSinksAreSkipped(t *testing.T) {
	r := New(Sinks{}, nil, nil)
	result := r.Route(context.Background(), "s1", referenceCell("a", "b"))
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.RoutedItems.Total())
}

func TestRoute_WriteupContentBecomesWriteUp(t *testing.T) {
	writeups := NewMemorySink[types.WriteUp]()
	r := New(Sinks{WriteUps: writeups}, nil, nil)

	cell := &types.Cell{
		ID:       "w1",
		Kind:     types.KindWriteup,
		Status:   types.StatusCompleted,
		Content:  "# Findings\nCaffeine shortens sleep.",
		Metadata: &types.WriteupMetadata{Title: "Findings"},
	}
	result := r.Route(context.Background(), "s1", cell)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RoutedItems.WriteUps)
	items := writeups.Items("s1")
	require.Len(t, items, 1)
	assert.Equal(t, "Findings", items[0].Title)
}

type recordingAppender struct {
	mu   sync.Mutex
	rows []string
}

func (a *recordingAppender) AppendItem(_ context.Context, sessionID, category string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, sessionID+"/"+category+"/"+string(payload))
	return nil
}

func TestStoreSinks_EncodeItems(t *testing.T) {
	store := &recordingAppender{}
	r := New(StoreSinks(store), nil, nil)

	cell := &types.Cell{
		ID:       "g1",
		Kind:     types.KindGoal,
		Status:   types.StatusCompleted,
		Metadata: &types.GoalMetadata{DataFiles: []types.DataFile{{Name: "sleep.csv"}}},
	}
	result := r.Route(context.Background(), "s1", cell)

	assert.True(t, result.Success)
	require.Len(t, store.rows, 1)
	assert.Equal(t, `s1/data_files/{"name":"sleep.csv"}`, store.rows[0])
}

func TestSubtract(t *testing.T) {
	prev := types.Entities{
		DataFiles: []types.DataFile{{Name: "sleep.csv", Columns: []string{"hours"}}},
		Variables: []types.Variable{{Name: "mean", Value: "7.1"}},
	}
	ents := types.Entities{
		DataFiles: []types.DataFile{{Name: "sleep.csv", Columns: []string{"hours"}}, {Name: "recall.csv"}},
		Variables: []types.Variable{{Name: "mean", Value: "7.0"}},
		Libraries: []types.Library{{Name: "pandas"}},
	}

	got := Subtract(ents, prev)

	assert.Equal(t, []types.DataFile{{Name: "recall.csv"}}, got.DataFiles)
	assert.Equal(t, ents.Variables, got.Variables, "changed values are new items")
	assert.Equal(t, ents.Libraries, got.Libraries)
	assert.True(t, Subtract(prev, prev).Empty())
}

func TestDispatch_IgnoresRoutedFlag(t *testing.T) {
	files := NewMemorySink[types.DataFile]()
	r := New(Sinks{DataFiles: files}, nil, nil)

	result := r.Dispatch(context.Background(), "s1", "collect", types.Entities{
		DataFiles: []types.DataFile{{Name: "sleep.csv"}},
	})

	assert.True(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Len(t, files.Items("s1"), 1)
}
