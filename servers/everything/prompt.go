package everything

import (
	"context"
	"fmt"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

var styleCompletions = []string{"casual", "concise", "formal", "playful", "technical"}

func (s *Server) registerPrompts() error {
	err := s.registry.AddPrompt(mcp.Prompt{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	}, s.getSimplePrompt)
	if err != nil {
		return err
	}

	err = s.registry.AddPrompt(mcp.Prompt{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "temperature",
				Description: "Temperature setting",
				Required:    true,
			},
			{
				Name:        "style",
				Description: "Output style",
			},
		},
	}, s.getComplexPrompt)
	if err != nil {
		return err
	}

	s.registry.AddPromptCompletion("complex_prompt", "style", completeFrom(styleCompletions))
	return nil
}

func (s *Server) getSimplePrompt(context.Context, map[string]string) (mcp.GetPromptResult, error) {
	s.log(mcp.LogLevelDebug, "simple_prompt rendered")

	return mcp.GetPromptResult{
		Description: "A simple prompt without arguments",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: "This is a simple prompt without arguments.",
				},
			},
		},
	}, nil
}

func (s *Server) getComplexPrompt(_ context.Context, args map[string]string) (mcp.GetPromptResult, error) {
	s.log(mcp.LogLevelDebug, "complex_prompt rendered")

	style := args["style"]
	if style == "" {
		style = "concise"
	}

	return mcp.GetPromptResult{
		Description: "A complex prompt with arguments",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("This is a complex prompt with arguments: temperature=%s, style=%s",
						args["temperature"], style),
				},
			},
			{
				Role: mcp.RoleAssistant,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: "I understand. You've provided a complex prompt with temperature and style arguments.",
				},
			},
		},
	}, nil
}

func completeFrom(values []string) mcp.CompletionFunc {
	return func(_ context.Context, prefix string) ([]string, error) {
		var res []string
		for _, v := range values {
			if strings.HasPrefix(v, prefix) {
				res = append(res, v)
			}
		}
		return res, nil
	}
}
