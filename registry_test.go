package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

const echoSchema = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`

func echoTool(_ context.Context, args json.RawMessage, _ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return mcp.CallToolResult{}, err
	}
	return textResult(in.Message), nil
}

func TestRegistryCallToolValidatesArguments(t *testing.T) {
	reg := mcp.NewRegistry()
	if err := reg.AddTool(mcp.Tool{Name: "echo", InputSchema: json.RawMessage(echoSchema)}, echoTool); err != nil {
		t.Fatalf("AddTool() error = %v", err)
	}

	tests := []struct {
		name     string
		tool     string
		args     string
		want     string
		wantErr  error
		errMatch string
	}{
		{name: "valid", tool: "echo", args: `{"message":"hi"}`, want: "hi"},
		{name: "missing required", tool: "echo", args: `{}`, wantErr: mcp.ErrInvalidArguments, errMatch: "message"},
		{name: "absent arguments", tool: "echo", wantErr: mcp.ErrInvalidArguments},
		{name: "wrong type", tool: "echo", args: `{"message":7}`, wantErr: mcp.ErrInvalidArguments},
		{name: "unknown tool", tool: "nope", args: `{}`, wantErr: mcp.ErrToolNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.CallTool(context.Background(), mcp.CallToolParams{
				Name:      tt.tool,
				Arguments: json.RawMessage(tt.args),
			}, nil, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CallTool() error = %v, want %v", err, tt.wantErr)
				}
				if tt.errMatch != "" && !strings.Contains(err.Error(), tt.errMatch) {
					t.Errorf("CallTool() error = %q, want it to mention %q", err, tt.errMatch)
				}
				return
			}
			if err != nil {
				t.Fatalf("CallTool() unexpected error: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != tt.want {
				t.Errorf("CallTool() = %+v, want %q", res, tt.want)
			}
		})
	}
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	reg := mcp.NewRegistry()

	if err := reg.AddTool(mcp.Tool{Name: "bad", InputSchema: json.RawMessage(`{"type":12}`)}, echoTool); err == nil {
		t.Error("AddTool() with an invalid schema should fail")
	}
	if err := reg.AddTool(mcp.Tool{}, echoTool); err == nil {
		t.Error("AddTool() without a name should fail")
	}
	if err := reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "file://{path"}, nil); err == nil {
		t.Error("AddResourceTemplate() with an invalid template should fail")
	}
}

func TestRegistryReadResource(t *testing.T) {
	ctx := context.Background()
	reg := mcp.NewRegistry()

	err := reg.AddResource(mcp.Resource{URI: "config://app", Name: "app"}, func(_ context.Context, uri string) (
		[]mcp.ResourceContents, error,
	) {
		return []mcp.ResourceContents{{URI: uri, MimeType: "application/json", Text: `{"debug":true}`}}, nil
	})
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	err = reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "users://{id}/profile", Name: "profile"},
		func(_ context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, Text: "user " + vars["id"]}}, nil
		})
	if err != nil {
		t.Fatalf("AddResourceTemplate() error = %v", err)
	}

	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr error
	}{
		{name: "static", uri: "config://app", want: `{"debug":true}`},
		{name: "template", uri: "users://42/profile", want: "user 42"},
		{name: "no match", uri: "users://42/settings", wantErr: mcp.ErrResourceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.ReadResource(ctx, mcp.ReadResourceParams{URI: tt.uri}, nil, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadResource() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadResource() unexpected error: %v", err)
			}
			if len(res.Contents) != 1 || res.Contents[0].Text != tt.want || res.Contents[0].URI != tt.uri {
				t.Errorf("ReadResource() = %+v, want %q", res.Contents, tt.want)
			}
		})
	}

	templates, err := reg.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{}, nil, nil)
	if err != nil {
		t.Fatalf("ListResourceTemplates() error = %v", err)
	}
	if len(templates.Templates) != 1 || templates.Templates[0].URITemplate != "users://{id}/profile" {
		t.Errorf("ListResourceTemplates() = %+v", templates.Templates)
	}
}

func TestRegistryPagination(t *testing.T) {
	ctx := context.Background()
	reg := mcp.NewRegistry(mcp.WithRegistryPageSize(2))
	for i := range 5 {
		if err := reg.AddTool(mcp.Tool{Name: fmt.Sprintf("tool-%d", i)}, echoTool); err != nil {
			t.Fatalf("AddTool() error = %v", err)
		}
	}

	var names []string
	cursor := ""
	pages := 0
	for {
		res, err := reg.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor}, nil, nil)
		if err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
		pages++
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	if pages != 3 {
		t.Errorf("listed %d pages, want 3", pages)
	}
	want := []string{"tool-0", "tool-1", "tool-2", "tool-3", "tool-4"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("listed tools %v, want %v", names, want)
	}

	for _, cursor := range []string{"%%%", "OTk"} {
		_, err := reg.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor}, nil, nil)
		var rpcErr mcp.JSONRPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.InvalidParamsCode {
			t.Errorf("ListTools(cursor %q) error = %v, want invalid params", cursor, err)
		}
	}
}

func TestRegistryGetPrompt(t *testing.T) {
	ctx := context.Background()
	reg := mcp.NewRegistry()
	err := reg.AddPrompt(mcp.Prompt{
		Name: "review",
		Arguments: []mcp.PromptArgument{
			{Name: "code", Required: true},
			{Name: "style"},
		},
	}, func(_ context.Context, args map[string]string) (mcp.GetPromptResult, error) {
		return mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.Content{Type: mcp.ContentTypeText, Text: "review " + args["code"]},
		}}}, nil
	})
	if err != nil {
		t.Fatalf("AddPrompt() error = %v", err)
	}

	res, err := reg.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "review",
		Arguments: map[string]string{"code": "x := 1"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("GetPrompt() error = %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Content.Text != "review x := 1" {
		t.Errorf("GetPrompt() = %+v", res.Messages)
	}

	if _, err := reg.GetPrompt(ctx, mcp.GetPromptParams{Name: "review"}, nil, nil); !errors.Is(err, mcp.ErrInvalidArguments) {
		t.Errorf("GetPrompt() without required argument error = %v, want %v", err, mcp.ErrInvalidArguments)
	}
	if _, err := reg.GetPrompt(ctx, mcp.GetPromptParams{Name: "missing"}, nil, nil); !errors.Is(err, mcp.ErrPromptNotFound) {
		t.Errorf("GetPrompt() of unknown prompt error = %v, want %v", err, mcp.ErrPromptNotFound)
	}

	reg.RemovePrompt("review")
	list, err := reg.ListPrompts(ctx, mcp.ListPromptsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("ListPrompts() error = %v", err)
	}
	if len(list.Prompts) != 0 {
		t.Errorf("ListPrompts() after removal = %+v", list.Prompts)
	}
}

func TestRegistryCompletions(t *testing.T) {
	ctx := context.Background()
	reg := mcp.NewRegistry()

	languages := []string{"go", "gleam", "groovy", "rust"}
	reg.AddPromptCompletion("review", "language", func(_ context.Context, value string) ([]string, error) {
		var out []string
		for _, l := range languages {
			if strings.HasPrefix(l, value) {
				out = append(out, l)
			}
		}
		return out, nil
	})
	reg.AddTemplateCompletion("users://{id}/profile", "id", func(context.Context, string) ([]string, error) {
		ids := make([]string, 150)
		for i := range ids {
			ids[i] = fmt.Sprint(i)
		}
		return ids, nil
	})

	res, err := reg.CompletesPrompt(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "review"},
		Argument: mcp.CompletionArgument{Name: "language", Value: "g"},
	}, nil)
	if err != nil {
		t.Fatalf("CompletesPrompt() error = %v", err)
	}
	if strings.Join(res.Completion.Values, ",") != "go,gleam,groovy" || res.Completion.HasMore {
		t.Errorf("CompletesPrompt() = %+v", res.Completion)
	}

	res, err = reg.CompletesResourceTemplate(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefResource, URI: "users://{id}/profile"},
		Argument: mcp.CompletionArgument{Name: "id"},
	}, nil)
	if err != nil {
		t.Fatalf("CompletesResourceTemplate() error = %v", err)
	}
	if len(res.Completion.Values) != 100 || !res.Completion.HasMore || res.Completion.Total != 150 {
		t.Errorf("CompletesResourceTemplate() returned %d values, hasMore %v, total %d",
			len(res.Completion.Values), res.Completion.HasMore, res.Completion.Total)
	}

	res, err = reg.CompletesPrompt(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "other"},
		Argument: mcp.CompletionArgument{Name: "language"},
	}, nil)
	if err != nil {
		t.Fatalf("CompletesPrompt() error = %v", err)
	}
	if res.Completion.Values == nil || len(res.Completion.Values) != 0 {
		t.Errorf("CompletesPrompt() without a provider = %+v, want an empty list", res.Completion)
	}
}
