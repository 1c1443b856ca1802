package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Hectorban/nia/pkg/core"
)

// Expression is one expression file known to the loaded model.
type Expression struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Active bool   `json:"active"`
}

// ListExpressions returns the expressions available on the current model.
func (c *Client) ListExpressions(ctx context.Context) ([]Expression, error) {
	if !c.Connected() {
		return nil, core.NewInvalidRequestError("not connected to vtube studio")
	}
	data, err := c.call(ctx, "ExpressionStateRequest", map[string]any{
		"details":        true,
		"expressionFile": "",
	}, c.timeout)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Expressions []Expression `json:"expressions"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, core.NewProviderError("vtubestudio", fmt.Errorf("decode expression list: %w", err))
	}
	return resp.Expressions, nil
}

// ChangeExpression activates the expression whose name or file contains
// the requested name. A positive duration schedules auto-deactivation.
func (c *Client) ChangeExpression(ctx context.Context, name string, durationSec float64) (string, error) {
	expressions, err := c.ListExpressions(ctx)
	if err != nil {
		return "", err
	}
	expr := matchExpression(name, expressions)
	if expr == nil {
		return "", core.NewNotFoundError(fmt.Sprintf("expression %q not found", name))
	}

	if err := c.setExpression(ctx, expr.File, true); err != nil {
		return "", err
	}
	if durationSec > 0 {
		c.deactivateAfter(expr.File, time.Duration(durationSec*float64(time.Second)))
	}
	c.logger.Info("expression activated", "expression", expr.Name, "duration_s", durationSec)
	return "Activated expression: " + expr.Name, nil
}

// DeactivateExpression turns off a previously activated expression.
func (c *Client) DeactivateExpression(ctx context.Context, name string) error {
	expressions, err := c.ListExpressions(ctx)
	if err != nil {
		return err
	}
	expr := matchExpression(name, expressions)
	if expr == nil {
		return core.NewNotFoundError(fmt.Sprintf("expression %q not found", name))
	}
	return c.setExpression(ctx, expr.File, false)
}

func (c *Client) setExpression(ctx context.Context, file string, active bool) error {
	if !c.Connected() {
		return core.NewInvalidRequestError("not connected to vtube studio")
	}
	_, err := c.call(ctx, "ExpressionActivationRequest", map[string]any{
		"expressionFile": file,
		"active":         active,
	}, c.timeout)
	return err
}

func (c *Client) deactivateAfter(file string, d time.Duration) {
	time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.setExpression(ctx, file, false); err != nil {
			c.logger.Warn("auto-deactivate expression", "file", file, "error", err)
		}
	})
}

// matchExpression finds an expression whose name or file contains the
// requested name, case-insensitive.
func matchExpression(name string, expressions []Expression) *Expression {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil
	}
	for i := range expressions {
		if strings.Contains(strings.ToLower(expressions[i].Name), needle) ||
			strings.Contains(strings.ToLower(expressions[i].File), needle) {
			return &expressions[i]
		}
	}
	return nil
}
