package render

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
)

type stubIdentities struct {
	mentions map[string]string
	calls    int
}

func (s *stubIdentities) Resolve(_ context.Context, tenantID, channelID, externalUserID string) (string, bool, error) {
	s.calls++
	mention, ok := s.mentions[tenantID+"/"+channelID+"/"+externalUserID]
	return mention, ok, nil
}

type stubRecords struct {
	records map[string]notion.Record
	calls   int
}

func (s *stubRecords) FetchRecordByID(_ context.Context, _ string, recordID string) (notion.Record, bool, error) {
	s.calls++
	record, ok := s.records[recordID]
	return record, ok, nil
}

func stringPointer(value string) *string {
	return &value
}

func floatPointer(value float64) *float64 {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}

func TestRenderTypeTable(t *testing.T) {
	renderer := NewRenderer(nil)
	testCases := []struct {
		name     string
		value    notion.Value
		expected string
		present  bool
	}{
		{name: "select set", value: notion.SelectValue{Option: &notion.SelectOption{Name: "Doing"}}, expected: "Doing", present: true},
		{name: "select unset", value: notion.SelectValue{}, expected: "", present: false},
		{name: "multi select", value: notion.MultiSelectValue{Options: []notion.SelectOption{{Name: "a"}, {Name: "b"}}}, expected: "a, b", present: true},
		{name: "rich text", value: notion.RichTextValue{Runs: []notion.RichText{{PlainText: "hello "}, {PlainText: "world"}}}, expected: "hello world", present: true},
		{name: "date start", value: notion.DateValue{Date: &notion.DateRange{Start: "2026-10-01"}}, expected: "2026-10-01", present: true},
		{name: "date range", value: notion.DateValue{Date: &notion.DateRange{Start: "2026-10-01", End: stringPointer("2026-10-03")}}, expected: "2026-10-01 至 2026-10-03", present: true},
		{name: "date unset", value: notion.DateValue{}, expected: "", present: false},
		{name: "files", value: notion.FilesValue{Files: []notion.File{
			{Name: "a.pdf", External: &notion.FileLink{URL: "https://x/a.pdf"}},
			{Name: "b.png", File: &notion.FileLink{URL: "https://x/b.png"}},
		}}, expected: "[a.pdf](https://x/a.pdf), [b.png](https://x/b.png)", present: true},
		{name: "checkbox on", value: notion.CheckboxValue{Checked: true}, expected: "✅", present: true},
		{name: "checkbox off", value: notion.CheckboxValue{}, expected: "❌", present: true},
		{name: "number", value: notion.NumberValue{Number: floatPointer(3.5)}, expected: "3.5", present: true},
		{name: "number integral", value: notion.NumberValue{Number: floatPointer(42)}, expected: "42", present: true},
		{name: "number null", value: notion.NumberValue{}, expected: "", present: true},
		{name: "url", value: notion.URLValue{URL: stringPointer("https://example.com")}, expected: "[链接](https://example.com)", present: true},
		{name: "url null", value: notion.URLValue{}, expected: "", present: true},
		{name: "email", value: notion.TextValue{Text: stringPointer("a@b.c")}, expected: "a@b.c", present: true},
		{name: "formula string first", value: notion.FormulaValue{Result: notion.FormulaResult{String: stringPointer("x"), Number: floatPointer(1)}}, expected: "x", present: true},
		{name: "formula number", value: notion.FormulaValue{Result: notion.FormulaResult{Number: floatPointer(7)}}, expected: "7", present: true},
		{name: "formula boolean", value: notion.FormulaValue{Result: notion.FormulaResult{Boolean: boolPointer(true)}}, expected: "True", present: true},
		{name: "formula boolean false", value: notion.FormulaValue{Result: notion.FormulaResult{Boolean: boolPointer(false)}}, expected: "False", present: true},
		{name: "formula date", value: notion.FormulaValue{Result: notion.FormulaResult{Date: &notion.DateRange{Start: "2026-10-01"}}}, expected: "2026-10-01", present: true},
		{name: "formula empty", value: notion.FormulaValue{}, expected: "", present: false},
		{name: "timestamp", value: notion.TimestampValue{Time: "2026-10-01T00:00:00.000Z"}, expected: "2026-10-01T00:00:00.000Z", present: true},
		{name: "unknown string", value: notion.UnknownValue{Raw: json.RawMessage(`"raw"`)}, expected: "raw", present: true},
		{name: "unknown object", value: notion.UnknownValue{Raw: json.RawMessage(`{ "a": 1 }`)}, expected: `{"a":1}`, present: true},
		{name: "unknown absent", value: notion.UnknownValue{}, expected: "", present: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			rendered, present, err := renderer.Render(context.Background(), nil, notion.Property{Name: "P", Value: testCase.value})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if present != testCase.present {
				t.Fatalf("expected present=%v, got %v", testCase.present, present)
			}
			if rendered != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, rendered)
			}
		})
	}
}

func TestRenderPeopleFallsBackToBacktickedID(t *testing.T) {
	renderer := NewRenderer(nil)
	identities := &stubIdentities{mentions: map[string]string{"guild/chan/user-1": "<@111>"}}
	scope := &Scope{TenantID: "guild", ChannelID: "chan", Identities: identities}

	property := notion.Property{Name: "Owner", Type: notion.PropertyTypePeople, Value: notion.PeopleValue{People: []notion.User{{ID: "user-1"}, {ID: "user-2"}}}}
	rendered, present, err := renderer.Render(context.Background(), scope, property)
	if err != nil || !present {
		t.Fatalf("unexpected render result %v %v", present, err)
	}
	if rendered != "<@111>, `user-2`" {
		t.Fatalf("unexpected rendering %q", rendered)
	}

	unmapped, _, _ := renderer.Render(context.Background(), nil, notion.Property{Value: notion.PeopleValue{People: []notion.User{{ID: "user-3"}}}})
	if unmapped != "`user-3`" {
		t.Fatalf("expected backticked id, got %q", unmapped)
	}
}

func TestRenderRichTextResolvesMentions(t *testing.T) {
	renderer := NewRenderer(nil)
	scope := &Scope{TenantID: "guild", ChannelID: "chan", Identities: &stubIdentities{mentions: map[string]string{"guild/chan/user-1": "<@111>"}}}
	value := notion.RichTextValue{Runs: []notion.RichText{
		{PlainText: "owner: "},
		{Type: "mention", PlainText: "@Ann", Mention: &notion.Mention{Type: "user", User: &notion.User{ID: "user-1"}}},
		{PlainText: " and "},
		{Type: "mention", PlainText: "@Bob", Mention: &notion.Mention{Type: "user", User: &notion.User{ID: "user-2"}}},
	}}
	rendered, _, err := renderer.Render(context.Background(), scope, notion.Property{Value: value})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered != "owner: <@111> and `user-2`" {
		t.Fatalf("unexpected rendering %q", rendered)
	}
}

func TestRenderRelations(t *testing.T) {
	renderer := NewRenderer(nil)
	titled, err := notion.DecodeRecord([]byte(`{"id":"r1","url":"https://notion.so/r1","properties":{"Name":{"type":"title","title":[{"plain_text":"Alpha"}]}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	untitled, err := notion.DecodeRecord([]byte(`{"id":"r2","url":"https://notion.so/r2","properties":{}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	records := &stubRecords{records: map[string]notion.Record{"r1": titled, "r2": untitled}}
	scope := &Scope{TenantID: "guild", Credential: "token", Records: records}
	property := notion.Property{Name: "Project", Type: notion.PropertyTypeRelation, Value: notion.RelationValue{IDs: []string{"r1", "r2", "r3"}}}

	rendered, _, err := renderer.Render(context.Background(), scope, property)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "[Alpha](https://notion.so/r1)\n[无标题](https://notion.so/r2)\n`r3`"
	if rendered != expected {
		t.Fatalf("expected %q, got %q", expected, rendered)
	}

	again, _, _ := renderer.Render(context.Background(), scope, property)
	if again != rendered {
		t.Fatalf("expected deterministic rendering")
	}
	if records.calls != 3 {
		t.Fatalf("expected relation lookups to be cached per scope, got %d calls", records.calls)
	}

	withoutContext, _, _ := renderer.Render(context.Background(), nil, property)
	if withoutContext != "`r1`, `r2`, `r3`" {
		t.Fatalf("unexpected fallback %q", withoutContext)
	}
}

func TestRenderMalformedReturnsErrRender(t *testing.T) {
	renderer := NewRenderer(nil)
	_, present, err := renderer.Render(context.Background(), nil, notion.Property{Name: "Due", Type: notion.PropertyTypeDate, Value: notion.MalformedValue{Err: errors.New("bad")}})
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	if present {
		t.Fatalf("expected malformed property to be absent")
	}
}
