package rubric_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"agora/internal/rubric"
)

func buildTemplate(t *testing.T) rubric.Template {
	t.Helper()
	tpl := rubric.NewTemplate()
	var err error
	tpl, err = rubric.AddCriterion(tpl, "impact", rubric.TypeScored)
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.AddCriterion(tpl, "feasible", rubric.TypeYesNo)
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.AddCriterion(tpl, "category", rubric.TypeDropdown)
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.AddCriterion(tpl, "notes", rubric.TypeLongText)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func criterionByID(t *testing.T, tpl rubric.Template, id string) rubric.CriterionView {
	t.Helper()
	for _, v := range rubric.Criteria(tpl) {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("criterion %s not found", id)
	return rubric.CriterionView{}
}

func TestInferCriterionType(t *testing.T) {
	tpl := buildTemplate(t)
	expect := map[string]rubric.CriterionType{
		"impact":   rubric.TypeScored,
		"feasible": rubric.TypeYesNo,
		"category": rubric.TypeDropdown,
		"notes":    rubric.TypeLongText,
	}
	for id, want := range expect {
		got, ok := rubric.InferCriterionType(tpl.Properties[id])
		if !ok || got != want {
			t.Fatalf("%s: got %q ok=%v, want %q", id, got, ok, want)
		}
	}
	if _, ok := rubric.InferCriterionType(rubric.Criterion{Type: "boolean"}); ok {
		t.Fatalf("expected unclassifiable shape")
	}
}

func TestCriteriaDropsCorruptEntries(t *testing.T) {
	tpl := buildTemplate(t)
	tpl.FieldOrder = append(tpl.FieldOrder, "ghost")
	broken := tpl.Properties["notes"]
	broken.Type = "array"
	tpl.Properties["notes"] = broken
	views := rubric.Criteria(tpl)
	if len(views) != 3 {
		t.Fatalf("expected 3 readable criteria, got %d", len(views))
	}
	for _, v := range views {
		if v.ID == "ghost" || v.ID == "notes" {
			t.Fatalf("corrupt entry %s not dropped", v.ID)
		}
	}
}

func TestRoundTripThroughJSON(t *testing.T) {
	tpl := buildTemplate(t)
	before := rubric.Criteria(tpl)
	data, err := json.Marshal(tpl)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := rubric.DecodeTemplate(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	after := rubric.Criteria(decoded)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("round trip changed views:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestReorderPreservesSet(t *testing.T) {
	tpl := buildTemplate(t)
	order := []string{"notes", "impact", "category", "feasible"}
	tpl2, err := rubric.ReorderCriteria(tpl, order)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	views := rubric.Criteria(tpl2)
	if len(views) != 4 {
		t.Fatalf("expected 4 criteria, got %d", len(views))
	}
	for i, v := range views {
		if v.ID != order[i] {
			t.Fatalf("position %d: got %s want %s", i, v.ID, order[i])
		}
	}
	// input untouched
	if tpl.FieldOrder[0] != "impact" {
		t.Fatalf("input template mutated")
	}
	if _, err := rubric.ReorderCriteria(tpl, []string{"impact", "impact", "category", "feasible"}); err == nil {
		t.Fatalf("expected duplicate order error")
	}
}

func TestMaxPointsResizePreservesLabels(t *testing.T) {
	tpl := buildTemplate(t)
	labels := []string{"A", "B", "C", "D", "E"}
	var err error
	for i, l := range labels {
		tpl, err = rubric.UpdateScoreLabel(tpl, "impact", i, l)
		if err != nil {
			t.Fatal(err)
		}
	}
	tpl, err = rubric.UpdateScoredMaxPoints(tpl, "impact", 3)
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.UpdateScoredMaxPoints(tpl, "impact", 5)
	if err != nil {
		t.Fatal(err)
	}
	v := criterionByID(t, tpl, "impact")
	if v.MaxPoints != 5 {
		t.Fatalf("expected 5 points, got %d", v.MaxPoints)
	}
	for i, want := range []string{"A", "B", "C"} {
		if v.ScoreLabels[i] != want {
			t.Fatalf("label %d: got %q want %q", i, v.ScoreLabels[i], want)
		}
	}
}

func TestMaxPointsClamped(t *testing.T) {
	tpl := buildTemplate(t)
	tpl, err := rubric.UpdateScoredMaxPoints(tpl, "impact", 50)
	if err != nil {
		t.Fatal(err)
	}
	if v := criterionByID(t, tpl, "impact"); v.MaxPoints != 10 {
		t.Fatalf("expected clamp to 10, got %d", v.MaxPoints)
	}
	tpl, err = rubric.UpdateScoredMaxPoints(tpl, "impact", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v := criterionByID(t, tpl, "impact"); v.MaxPoints != 2 {
		t.Fatalf("expected clamp to 2, got %d", v.MaxPoints)
	}
}

func TestChangeTypePreservesLabelAndDescription(t *testing.T) {
	tpl := buildTemplate(t)
	var err error
	tpl, err = rubric.UpdateCriterionLabel(tpl, "impact", "Community impact")
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.UpdateCriterionDescription(tpl, "impact", "How many people benefit")
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.ChangeCriterionType(tpl, "impact", rubric.TypeLongText)
	if err != nil {
		t.Fatal(err)
	}
	v := criterionByID(t, tpl, "impact")
	if v.CriterionType != rubric.TypeLongText {
		t.Fatalf("type not changed: %s", v.CriterionType)
	}
	if v.Label != "Community impact" || v.Description != "How many people benefit" {
		t.Fatalf("label/description not preserved: %+v", v)
	}
	if len(v.ScoreLabels) != 0 || v.MaxPoints != 0 {
		t.Fatalf("type-specific fields not reset: %+v", v)
	}
}

func TestRequiredToggle(t *testing.T) {
	tpl := buildTemplate(t)
	tpl, err := rubric.SetCriterionRequired(tpl, "feasible", true)
	if err != nil {
		t.Fatal(err)
	}
	if !criterionByID(t, tpl, "feasible").Required {
		t.Fatalf("expected required")
	}
	tpl, err = rubric.SetCriterionRequired(tpl, "feasible", false)
	if err != nil {
		t.Fatal(err)
	}
	if criterionByID(t, tpl, "feasible").Required {
		t.Fatalf("expected not required")
	}
}

func TestCriterionErrors(t *testing.T) {
	tpl := buildTemplate(t)
	v := criterionByID(t, tpl, "category")
	errs := rubric.CriterionErrors(v)
	if len(errs) == 0 {
		t.Fatalf("expected advisory errors for unlabeled dropdown")
	}
	var err error
	tpl, err = rubric.UpdateCriterionLabel(tpl, "category", "Category")
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = rubric.UpdateDropdownOptions(tpl, "category", []rubric.Option{
		{ID: "parks", Value: "Parks"},
		{ID: "transit", Value: "Transit"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if errs := rubric.CriterionErrors(criterionByID(t, tpl, "category")); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateRejectsDuplicateOrder(t *testing.T) {
	tpl := buildTemplate(t)
	tpl.FieldOrder = append(tpl.FieldOrder, "impact")
	if err := tpl.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
