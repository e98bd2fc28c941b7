package resiliency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/cel-go/cel"
)

// CELClassifier decides retryability with a CEL expression over the failed
// call. The expression sees:
//
//	status   int     HTTP status code, 0 when the error carries none
//	message  string  lowercased error text
//	network  bool    the error is a net.Error
//	timeout  bool    the error is a timeout
//	canceled bool    the caller canceled
//
// Example: `status == 409 || (network && !canceled)`.
type CELClassifier struct {
	expr string
	prg  cel.Program
}

// NewCELClassifier compiles expr. The expression must evaluate to bool.
func NewCELClassifier(expr string) (*CELClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("message", cel.StringType),
		cel.Variable("network", cel.BoolType),
		cel.Variable("timeout", cel.BoolType),
		cel.Variable("canceled", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL retry expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &CELClassifier{expr: expr, prg: prg}, nil
}

// Expression returns the source expression.
func (c *CELClassifier) Expression() string { return c.expr }

// Classify implements Classifier. Evaluation failures defer to the built-in
// rules.
func (c *CELClassifier) Classify(err error) (bool, bool) {
	if err == nil {
		return false, false
	}
	out, _, evalErr := c.prg.Eval(errorActivation(err))
	if evalErr != nil {
		return false, false
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, false
	}
	return v, true
}

func errorActivation(err error) map[string]any {
	status := int64(0)
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = int64(sc.StatusCode())
	}
	var netErr net.Error
	isNet := errors.As(err, &netErr)
	timeout := errors.Is(err, context.DeadlineExceeded) || (isNet && netErr.Timeout())
	return map[string]any{
		"status":   status,
		"message":  strings.ToLower(err.Error()),
		"network":  isNet,
		"timeout":  timeout,
		"canceled": errors.Is(err, context.Canceled),
	}
}
