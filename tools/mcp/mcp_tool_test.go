package mcp

import (
	"context"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSession struct {
	got    *mcpsdk.CallToolParams
	result *mcpsdk.CallToolResult
}

func (f *fakeSession) CallTool(_ context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	f.got = params
	return f.result, nil
}

func TestToolExecute(t *testing.T) {
	fake := &fakeSession{result: &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hover: "}, &mcpsdk.TextContent{Text: "func main()"}},
	}}
	tool := newTool("gopls", &mcpsdk.Tool{Name: "hover", Description: "Hover info"}, fake)

	out, err := tool.Execute(context.Background(), map[string]interface{}{"file": "main.go"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hover: func main()" {
		t.Errorf("out = %q", out)
	}
	if fake.got.Name != "hover" {
		t.Errorf("called %q", fake.got.Name)
	}
	if tool.Name() != "hover" || tool.Server() != "gopls" {
		t.Errorf("name = %s server = %s", tool.Name(), tool.Server())
	}
	if tool.Schema()["type"] != "object" {
		t.Errorf("schema = %v", tool.Schema())
	}
}

func TestToolReportsServerError(t *testing.T) {
	fake := &fakeSession{result: &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no such file"}},
	}}
	tool := newTool("gopls", &mcpsdk.Tool{Name: "hover"}, fake)
	if _, err := tool.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error result to surface as an error")
	}
	if tool.Description() == "" {
		t.Error("description should fall back to the server name")
	}
}
