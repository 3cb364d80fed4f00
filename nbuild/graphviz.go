package nbuild

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/segmentio/fasthash/fnv1a"
)

// GraphViz writes the target graph as a .dot file: targets, their
// sources and the external builds they wait for.
type GraphViz struct {
	out     io.Writer
	mapper  *ArtifactMapper
	visited map[string]bool
}

func NewGraphViz(out io.Writer, mapper *ArtifactMapper) *GraphViz {
	return &GraphViz{out: out, mapper: mapper, visited: make(map[string]bool)}
}

func nodeID(kind, name string) string {
	return fmt.Sprintf("n%016x", fnv1a.HashString64(kind+"\x00"+name))
}

func (g *GraphViz) Start() {
	fmt.Fprintf(g.out, "digraph nbuild {\n")
	fmt.Fprintf(g.out, "rankdir=\"LR\"\n")
	fmt.Fprintf(g.out, "node [fontsize=10, shape=box, height=0.25]\n")
	fmt.Fprintf(g.out, "edge [fontsize=10]\n")
}

// node declares a node once and returns its id.
func (g *GraphViz) node(kind, name, label, attrs string) string {
	id := nodeID(kind, name)
	if !g.visited[id] {
		g.visited[id] = true
		fmt.Fprintf(g.out, "\"%s\" [label=\"%s\"%s]\n", id, filepath.ToSlash(label), attrs)
	}
	return id
}

func (g *GraphViz) AddTarget(t *Target) {
	if g.visited[nodeID("target", t.name)] {
		return
	}
	label := t.name
	if bin := g.mapper.BinaryPathOf(t); bin != "" {
		label = bin
	}
	id := g.node("target", t.name, label, "")
	for _, src := range t.sources.items {
		sid := g.node("source", src, src, ", shape=plaintext")
		fmt.Fprintf(g.out, "\"%s\" -> \"%s\" [label=\" compile\"]\n", sid, id)
	}
	for _, pre := range t.externals {
		eid := g.node("external", pre.External.Name, pre.External.Name, ", shape=ellipse")
		fmt.Fprintf(g.out, "\"%s\" -> \"%s\" [label=\" %s\" style=dotted]\n", eid, id, pre.Stage)
	}
	for _, dep := range t.linkDeps {
		g.AddTarget(dep)
		fmt.Fprintf(g.out, "\"%s\" -> \"%s\" [label=\" link\"]\n", nodeID("target", dep.name), id)
	}
}

func (g *GraphViz) Finish() {
	fmt.Fprintf(g.out, "}\n")
}
