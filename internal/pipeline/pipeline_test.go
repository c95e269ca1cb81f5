package pipeline_test

import (
	"reflect"
	"testing"

	"agora/internal/pipeline"
	"agora/internal/schema"
)

func docs() []pipeline.Doc {
	return []pipeline.Doc{
		{"id": "p1", "likesCount": 4, "category": "parks"},
		{"id": "p2", "likesCount": 9, "category": "transit"},
		{"id": "p3", "likesCount": 4, "category": "parks"},
		{"id": "p4", "likesCount": 1, "category": "housing"},
		{"id": "p5", "likesCount": 9, "category": "parks"},
	}
}

func ids(out []pipeline.Doc) []string {
	var res []string
	for _, d := range out {
		res = append(res, d["id"].(string))
	}
	return res
}

func TestSortDescIsStable(t *testing.T) {
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockSort, Sort: []schema.SortKey{{Field: "likesCount", Order: schema.OrderDesc}}},
	}}
	out, err := pipeline.Run(p, docs(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// ties keep input order: p2 before p5, p1 before p3
	want := []string{"p2", "p5", "p1", "p3", "p4"}
	if got := ids(out); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMultiKeySort(t *testing.T) {
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockSort, Sort: []schema.SortKey{
			{Field: "category", Order: schema.OrderAsc},
			{Field: "likesCount", Order: schema.OrderDesc},
		}},
	}}
	out, err := pipeline.Run(p, docs(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"p4", "p5", "p1", "p3", "p2"}
	if got := ids(out); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestFilterMissingFieldDoesNotMatch(t *testing.T) {
	input := append(docs(), pipeline.Doc{"id": "p6"})
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockFilter, Filter: &schema.FilterSpec{
			Field: "category", Operator: schema.FilterEquals, Value: "parks",
		}},
	}}
	out, err := pipeline.Run(p, input, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"p1", "p3", "p5"}
	if got := ids(out); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLimitVariable(t *testing.T) {
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockSort, Sort: []schema.SortKey{{Field: "likesCount", Order: schema.OrderDesc}}},
		{Type: schema.BlockLimit, Limit: &schema.LimitSpec{Variable: "maxVotesPerMember"}},
	}}
	out, err := pipeline.Run(p, docs(), map[string]any{"maxVotesPerMember": 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"p2", "p5", "p1"}
	if got := ids(out); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLimitUnresolvedVariableIsError(t *testing.T) {
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockLimit, Limit: &schema.LimitSpec{Variable: "maxVotesPerMember"}},
	}}
	if _, err := pipeline.Run(p, docs(), map[string]any{}); err == nil {
		t.Fatalf("expected unresolved variable error")
	}
}

func TestDeterminism(t *testing.T) {
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockFilter, Filter: &schema.FilterSpec{
			Field: "likesCount", Operator: schema.FilterGreaterThan, Value: float64(1),
		}},
		{Type: schema.BlockSort, Sort: []schema.SortKey{{Field: "likesCount", Order: schema.OrderDesc}}},
		{Type: schema.BlockLimit, Limit: &schema.LimitSpec{Count: 2}},
	}}
	first, err := pipeline.Run(p, docs(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	second, err := pipeline.Run(p, docs(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("pipeline not deterministic:\n%v\n%v", first, second)
	}
}

func TestRunDoesNotMutateInput(t *testing.T) {
	input := docs()
	p := schema.Pipeline{Version: 1, Blocks: []schema.Block{
		{Type: schema.BlockSort, Sort: []schema.SortKey{{Field: "likesCount", Order: schema.OrderAsc}}},
	}}
	if _, err := pipeline.Run(p, input, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if input[0]["id"] != "p1" {
		t.Fatalf("input slice reordered")
	}
}

func TestResolveVariablesInstanceWins(t *testing.T) {
	vars := pipeline.ResolveVariables(
		map[string]any{"maxVotesPerMember": 5, "quorum": 10},
		map[string]any{"maxVotesPerMember": 3},
	)
	if vars["maxVotesPerMember"] != 3 || vars["quorum"] != 10 {
		t.Fatalf("unexpected resolution: %v", vars)
	}
}
