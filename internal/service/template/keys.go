package template

import (
	"text/template"
	"text/template/parse"
)

// collectKeys adds every top-level binding the template reads. Inside range
// and with bodies dot is rebound, so only $-rooted fields count there.
func collectKeys(tpl *template.Template, keys map[string]struct{}) {
	for _, t := range tpl.Templates() {
		if t.Tree != nil && t.Tree.Root != nil {
			walk(t.Tree.Root, false, keys)
		}
	}
}

func walk(node parse.Node, rebound bool, keys map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walk(c, rebound, keys)
		}
	case *parse.ActionNode:
		walk(n.Pipe, rebound, keys)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			walk(cmd, rebound, keys)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			walk(arg, rebound, keys)
		}
	case *parse.FieldNode:
		if !rebound && len(n.Ident) > 0 {
			keys[n.Ident[0]] = struct{}{}
		}
	case *parse.VariableNode:
		if len(n.Ident) > 1 && n.Ident[0] == "$" {
			keys[n.Ident[1]] = struct{}{}
		}
	case *parse.ChainNode:
		walk(n.Node, rebound, keys)
	case *parse.IfNode:
		walk(n.Pipe, rebound, keys)
		walk(n.List, rebound, keys)
		walk(n.ElseList, rebound, keys)
	case *parse.RangeNode:
		walk(n.Pipe, rebound, keys)
		walk(n.List, true, keys)
		walk(n.ElseList, rebound, keys)
	case *parse.WithNode:
		walk(n.Pipe, rebound, keys)
		walk(n.List, true, keys)
		walk(n.ElseList, rebound, keys)
	case *parse.TemplateNode:
		walk(n.Pipe, rebound, keys)
	}
}
