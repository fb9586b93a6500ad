package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// isExprDefined checks if an HCL expression was actually present in the source
// code. The HCL decoder populates omitted optional fields with zero-width
// expressions, so a nil check is not enough.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName,
		"hcl_range", r.String(),
		"is_defined", defined,
	)
	return defined
}

// evalContext exposes the process environment as `env.NAME`.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, e := range os.Environ() {
		pair := strings.SplitN(e, "=", 2)
		if len(pair) == 2 && pair[0] != "" {
			vars[pair[0]] = cty.StringVal(pair[1])
		}
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

// streamRef reads a stream identifier written either as a string,
// "d0.video", or as a bare reference, d0.video or d0.0.
func streamRef(expr hcl.Expression, evalCtx *hcl.EvalContext) (string, error) {
	if t, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() && t.RootName() != "env" {
		return traversalKey(t)
	}
	var s string
	if diags := gohcl.DecodeExpression(expr, evalCtx, &s); diags.HasErrors() {
		return "", diags
	}
	return s, nil
}

func traversalKey(t hcl.Traversal) (string, error) {
	if len(t) == 2 {
		switch step := t[1].(type) {
		case hcl.TraverseAttr:
			return t.RootName() + "." + step.Name, nil
		case hcl.TraverseIndex:
			if step.Key.Type() == cty.Number {
				bf := step.Key.AsBigFloat()
				if i, _ := bf.Int64(); bf.IsInt() {
					return fmt.Sprintf("%s.%d", t.RootName(), i), nil
				}
			}
		}
	}
	return "", fmt.Errorf("stream reference %s must have the form <alias>.<port>", hclwrite.TokensForTraversal(t).Bytes())
}
