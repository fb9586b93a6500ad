package hcl_adapter

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/vk/mediagrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

// WriteUpdate renders an update document in the format Load reads.
func WriteUpdate(u *config.UpdateSpec) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	if u == nil {
		return f.Bytes(), nil
	}

	for _, n := range u.Add {
		block := body.AppendNewBlock("node", []string{n.Kind, n.Alias})
		b := block.Body()
		if n.Module != "" {
			b.SetAttributeValue("module", cty.StringVal(n.Module))
		}
		if len(n.Inputs) > 0 {
			refs := make([]cty.Value, len(n.Inputs))
			for i, in := range n.Inputs {
				refs[i] = cty.StringVal(in)
			}
			b.SetAttributeValue("inputs", cty.ListVal(refs))
		}
		if n.Outputs > 0 {
			b.SetAttributeValue("outputs", cty.NumberIntVal(int64(n.Outputs)))
		}
		if n.Slot > 0 {
			b.SetAttributeValue("slot", cty.NumberIntVal(int64(n.Slot)))
		}
		if n.InputPolicy != "" {
			b.SetAttributeValue("input_policy", cty.StringVal(n.InputPolicy))
		}
		if err := setConfig(b, n.Config); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Alias, err)
		}
		body.AppendNewline()
	}
	for _, bind := range u.Bind {
		block := body.AppendNewBlock("bind", []string{bind.Consumer})
		block.Body().SetAttributeValue("stream", cty.StringVal(bind.Stream))
		body.AppendNewline()
	}
	for _, alias := range u.Remove {
		body.AppendNewBlock("remove", []string{alias})
		body.AppendNewline()
	}
	for _, r := range u.Reset {
		block := body.AppendNewBlock("reset", []string{r.Alias})
		if err := setConfig(block.Body(), r.Config); err != nil {
			return nil, fmt.Errorf("reset %q: %w", r.Alias, err)
		}
		body.AppendNewline()
	}
	return f.Bytes(), nil
}

func setConfig(b *hclwrite.Body, cfg config.Tree) error {
	if len(cfg) == 0 {
		return nil
	}
	val, err := nativeToCty(map[string]any(cfg))
	if err != nil {
		return err
	}
	b.SetAttributeValue("config", val)
	return nil
}
