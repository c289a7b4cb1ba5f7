package tools

import (
	"context"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Registry indexes invokable tools by their declared name.
type Registry struct {
	tools map[string]einotool.InvokableTool
	infos []*schema.ToolInfo
}

func NewRegistry(ctx context.Context, ts ...einotool.InvokableTool) (*Registry, error) {
	r := &Registry{tools: make(map[string]einotool.InvokableTool, len(ts))}
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, err
		}
		if _, dup := r.tools[info.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", info.Name)
		}
		r.tools[info.Name] = t
		r.infos = append(r.infos, info)
	}
	return r, nil
}

func (r *Registry) Infos() []*schema.ToolInfo {
	return r.infos
}

func (r *Registry) Get(name string) (einotool.InvokableTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}
