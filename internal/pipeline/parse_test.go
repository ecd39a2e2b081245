package pipeline

import "testing"

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `{"tables": ["branch_master"]}`, `{"tables": ["branch_master"]}`},
		{"plain fence", "```\n{\"tables\": []}\n```", `{"tables": []}`},
		{"json fence", "```json\n{\"tables\": []}\n```", `{"tables": []}`},
		{"sql fence", "```sql\nselect 1\n```", "select 1"},
		{"single line fence", "```select 1```", "select 1"},
		{"surrounding whitespace", "  \n```json\n{}\n```\n  ", "{}"},
	}
	for _, tc := range cases {
		if got := stripCodeFences(tc.input); got != tc.want {
			t.Errorf("%s: stripCodeFences(%q) = %q, want %q", tc.name, tc.input, got, tc.want)
		}
	}
}

func TestStripQueryLabel(t *testing.T) {
	if got := stripQueryLabel("query: select 1"); got != "select 1" {
		t.Fatalf("stripQueryLabel() = %q", got)
	}
	if got := stripQueryLabel("Query:  select 1"); got != "select 1" {
		t.Fatalf("stripQueryLabel() = %q", got)
	}
	if got := stripQueryLabel("select 1"); got != "select 1" {
		t.Fatalf("stripQueryLabel() = %q", got)
	}
}

func TestParseIntent(t *testing.T) {
	payload, err := parseIntent("```json\n{\"tables\": [\"branch_master\"], \"keywords\": [\"count\"]}\n```")
	if err != nil {
		t.Fatalf("parseIntent() error = %v", err)
	}
	if len(payload.Tables) != 1 || payload.Tables[0] != "branch_master" {
		t.Fatalf("payload.Tables = %v", payload.Tables)
	}
	if len(payload.Keywords) != 1 || payload.Keywords[0] != "count" {
		t.Fatalf("payload.Keywords = %v", payload.Keywords)
	}
}

func TestParseIntentRejectsMalformedJSON(t *testing.T) {
	if _, err := parseIntent("the tables you need are branch_master"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseIntentRejectsEmptyTableList(t *testing.T) {
	if _, err := parseIntent(`{"tables": [], "keywords": ["count"]}`); err == nil {
		t.Fatal("expected empty table list error")
	}
}

func TestParseColumnMap(t *testing.T) {
	columns, err := parseColumnMap(`{"branch_master": ["branch_id", "branch_name"]}`)
	if err != nil {
		t.Fatalf("parseColumnMap() error = %v", err)
	}
	if len(columns["branch_master"]) != 2 {
		t.Fatalf("columns = %v", columns)
	}
}

func TestParseColumnMapRejectsEmptyObject(t *testing.T) {
	if _, err := parseColumnMap(`{}`); err == nil {
		t.Fatal("expected empty column map error")
	}
}

func TestCleanGeneratedSQL(t *testing.T) {
	got := cleanGeneratedSQL("```sql\nquery: select count(*) from branch_master\n```")
	if got != "select count(*) from branch_master" {
		t.Fatalf("cleanGeneratedSQL() = %q", got)
	}
}
