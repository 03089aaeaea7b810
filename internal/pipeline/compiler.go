package pipeline

import (
	"hopflow/internal/config"
	"hopflow/internal/graph"
	"hopflow/internal/spec"
	"hopflow/internal/variables"
	"hopflow/internal/workflow"
)

// Compile loads a pipeline file into a transform graph. The variables hold
// the file's parameter defaults and the directory of the file.
func Compile(path string) (*graph.Graph, variables.Variables, error) {
	pf, dir, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}
	g := &graph.Graph{Name: pf.Name}
	for _, n := range pf.Transforms {
		raw, err := n.ConfigJSON()
		if err != nil {
			return nil, nil, err
		}
		g.Nodes = append(g.Nodes, graph.Node{Name: n.Name, PluginID: n.Plugin, Config: raw, Description: n.Description})
	}
	for _, h := range pf.Hops {
		g.Hops = append(g.Hops, graph.Hop{From: h.From, To: h.To, Enabled: h.IsEnabled()})
	}
	vars := variables.Variables(spec.Defaults(pf.Parameters))
	vars[variables.PipelineDir] = dir
	return g, vars, nil
}

// CompileWorkflow is Compile for workflow files. Hops without a condition
// follow success.
func CompileWorkflow(path string) (*workflow.Graph, variables.Variables, error) {
	wf, dir, err := config.LoadWorkflow(path)
	if err != nil {
		return nil, nil, err
	}
	g := &workflow.Graph{Name: wf.Name, Start: wf.Start}
	for _, a := range wf.Actions {
		raw, err := a.ConfigJSON()
		if err != nil {
			return nil, nil, err
		}
		g.Actions = append(g.Actions, workflow.Action{Name: a.Name, PluginID: a.Plugin, Config: raw, Description: a.Description})
	}
	for _, h := range wf.Hops {
		cond := workflow.Condition(h.Condition)
		if cond == "" {
			cond = workflow.OnSuccess
		}
		g.Hops = append(g.Hops, workflow.Hop{From: h.From, To: h.To, Condition: cond, Enabled: h.IsEnabled()})
	}
	vars := variables.Variables(spec.Defaults(wf.Parameters))
	vars[variables.WorkflowDir] = dir
	return g, vars, nil
}
