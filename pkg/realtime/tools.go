package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Hectorban/nia/pkg/webfetch"
)

// AvatarController drives the on-screen model in response to tool calls.
type AvatarController interface {
	ChangeExpression(ctx context.Context, expression string, durationSec float64) (string, error)
	TriggerEmotion(ctx context.Context, emotion string, durationSec float64) (string, error)
	Connected() bool
}

// Fetcher retrieves page content for the fetch tools. Failures come back
// inside the result, never as an error.
type Fetcher interface {
	Scrape(ctx context.Context, url string, includeScreenshot bool) *webfetch.Result
	Configured() bool
}

type toolDecl struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

const (
	toolChangeExpression = "change_expression"
	toolTriggerEmotion   = "trigger_emotion"
	toolFetchURL         = "fetch_url"
	toolScreenshotURL    = "screenshot_url"
)

// toolDeclarations builds the tool list advertised in session.update.
// Only tools whose backing adapter is available are declared.
func toolDeclarations(avatar AvatarController, fetcher Fetcher) []toolDecl {
	var decls []toolDecl
	if avatar != nil && avatar.Connected() {
		decls = append(decls,
			toolDecl{
				Type:        "function",
				Name:        toolChangeExpression,
				Description: "Change the avatar's facial expression. Available expressions depend on the loaded model.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "Name of the expression to activate",
						},
						"duration": map[string]any{
							"type":        "number",
							"description": "Seconds to hold the expression before reverting. Omit to hold indefinitely.",
						},
					},
					"required": []string{"expression"},
				},
			},
			toolDecl{
				Type:        "function",
				Name:        toolTriggerEmotion,
				Description: "Show an emotion on the avatar: happy, sad, angry, surprised, confused, excited, sleepy, wink, or neutral.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"emotion": map[string]any{
							"type":        "string",
							"description": "Emotion to express",
						},
						"duration": map[string]any{
							"type":        "number",
							"description": "Seconds to hold the emotion before reverting",
						},
					},
					"required": []string{"emotion"},
				},
			},
		)
	}
	if fetcher != nil && fetcher.Configured() {
		decls = append(decls,
			toolDecl{
				Type:        "function",
				Name:        toolFetchURL,
				Description: "Fetch a web page and return its main content as markdown.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "URL to fetch",
						},
						"includeScreenshot": map[string]any{
							"type":        "boolean",
							"description": "Also capture a screenshot of the page",
						},
					},
					"required": []string{"url"},
				},
			},
			toolDecl{
				Type:        "function",
				Name:        toolScreenshotURL,
				Description: "Capture a screenshot of a web page.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "URL to screenshot",
						},
					},
					"required": []string{"url"},
				},
			},
		)
	}
	return decls
}

// dispatchTool executes a named tool and returns the JSON output string
// handed back to the model. Every call id gets an output, including
// unknown names and adapter failures.
func dispatchTool(ctx context.Context, avatar AvatarController, fetcher Fetcher, name, arguments string) string {
	switch name {
	case toolChangeExpression:
		var args struct {
			Expression string  `json:"expression"`
			Duration   float64 `json:"duration"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
		}
		if avatar == nil {
			return toolFailure("avatar is not connected")
		}
		msg, err := avatar.ChangeExpression(ctx, args.Expression, args.Duration)
		if err != nil {
			return toolFailure(err.Error())
		}
		return toolSuccess(msg)

	case toolTriggerEmotion:
		var args struct {
			Emotion  string  `json:"emotion"`
			Duration float64 `json:"duration"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
		}
		if avatar == nil {
			return toolFailure("avatar is not connected")
		}
		msg, err := avatar.TriggerEmotion(ctx, args.Emotion, args.Duration)
		if err != nil {
			return toolFailure(err.Error())
		}
		return toolSuccess(msg)

	case toolFetchURL:
		var args struct {
			URL               string `json:"url"`
			IncludeScreenshot bool   `json:"includeScreenshot"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
		}
		if fetcher == nil {
			return toolFailure("web fetch is not configured")
		}
		res := fetcher.Scrape(ctx, args.URL, args.IncludeScreenshot)
		if !res.Success {
			return toolFailure(res.Error)
		}
		return toolSuccess(res)

	case toolScreenshotURL:
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
		}
		if fetcher == nil {
			return toolFailure("web fetch is not configured")
		}
		res := fetcher.Scrape(ctx, args.URL, true)
		if !res.Success {
			return toolFailure(res.Error)
		}
		return toolSuccess(res)

	default:
		return toolFailure("Unknown function: " + name)
	}
}

func toolSuccess(result any) string {
	b, err := json.Marshal(map[string]any{"success": true, "result": result})
	if err != nil {
		return toolFailure(fmt.Sprintf("encode result: %v", err))
	}
	return string(b)
}

func toolFailure(reason string) string {
	b, _ := json.Marshal(map[string]any{"success": false, "error": reason})
	return string(b)
}
