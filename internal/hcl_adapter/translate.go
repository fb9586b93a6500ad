package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
)

// translateNode converts a node block into the format-agnostic model.
func (l *Loader) translateNode(ctx context.Context, b *nodeBlock, evalCtx *hcl.EvalContext) (*config.NodeSpec, error) {
	logger := ctxlog.FromContext(ctx).With("node_kind", b.Kind, "node_alias", b.Alias)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Translating HCL node to internal config model.")

	cfg, err := l.translateConfig(ctx, b.Config, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", b.Alias, err)
	}

	var inputs []string
	if isExprDefined(ctx, b.Inputs, "inputs") {
		exprs, diags := hcl.ExprList(b.Inputs)
		if diags.HasErrors() {
			return nil, fmt.Errorf("node %q: inputs: %w", b.Alias, diags)
		}
		for _, expr := range exprs {
			ref, err := streamRef(expr, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("node %q: inputs: %w", b.Alias, err)
			}
			inputs = append(inputs, ref)
		}
	}

	return &config.NodeSpec{
		Kind:        b.Kind,
		Alias:       b.Alias,
		Module:      b.Module,
		Config:      cfg,
		Inputs:      inputs,
		Outputs:     b.Outputs,
		Slot:        b.Slot,
		InputPolicy: b.InputPolicy,
	}, nil
}

// translateConfig evaluates a `config = { ... }` attribute into a tree.
func (l *Loader) translateConfig(ctx context.Context, expr hcl.Expression, evalCtx *hcl.EvalContext) (config.Tree, error) {
	if !isExprDefined(ctx, expr, "config") {
		return nil, nil
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("config must be an object, got %s", val.Type().FriendlyName())
	}
	native, err := ctyToNative(val)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	m, _ := native.(map[string]any)
	return config.Tree(m), nil
}

func (l *Loader) translateReset(ctx context.Context, b *resetBlock, evalCtx *hcl.EvalContext) (*config.ResetSpec, error) {
	cfg, err := l.translateConfig(ctx, b.Config, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("reset %q: %w", b.Alias, err)
	}
	return &config.ResetSpec{Alias: b.Alias, Config: cfg}, nil
}

func (l *Loader) translateBind(b *bindBlock, evalCtx *hcl.EvalContext) (*config.BindSpec, error) {
	ref, err := streamRef(b.Stream, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("bind %q: stream: %w", b.Consumer, err)
	}
	return &config.BindSpec{Consumer: b.Consumer, Stream: ref}, nil
}
