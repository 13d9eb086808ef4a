package rll

import (
	"fmt"
	"path"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

//nodeDescription renders a split node for graph output.
func (t *RegressionTree) nodeDescription(idx int) string {
	nd := t.Nodes[idx]
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln("id:", idx))
	sb.WriteString(fmt.Sprintln("deviance:", nd.Deviance))
	sb.WriteString(fmt.Sprintf("f_%d <= %6.5f", nd.Feature, nd.Threshold))
	return sb.String()
}

//leafDescription renders a leaf node for graph output.
func (t *RegressionTree) leafDescription(idx int) string {
	nd := t.Nodes[idx]
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln("id:", idx))
	sb.WriteString(fmt.Sprintf("output: %6.5f", nd.AvgLabel))
	return sb.String()
}

func drawSubtree(g *cgraph.Graph, t *RegressionTree, idx int, parentNode *cgraph.Node) {
	currentNode, err := g.CreateNode(fmt.Sprint(idx))
	HandleError(err)

	if parentNode != nil {
		g.CreateEdge("", parentNode, currentNode)
	}

	if t.Nodes[idx].IsLeaf() {
		currentNode.Set("label", t.leafDescription(idx))
		currentNode.Set("shape", "box")
	} else {
		currentNode.Set("label", t.nodeDescription(idx))
		drawSubtree(g, t, t.Nodes[idx].Left, currentNode)
		drawSubtree(g, t, t.Nodes[idx].Right, currentNode)
	}
}

//DrawGraph builds a graphviz graph of the fitted tree.
func (t *RegressionTree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph) {
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	HandleError(err)

	drawSubtree(graph, t, t.Root, nil)

	return graphViz, graph
}

//RenderTrees dumps one picture per ensemble stage into picturesDirectory.
func (m *MART) RenderTrees(dumpPrefix, figureType, picturesDirectory string) error {
	graphvizType, ok := map[string]graphviz.Format{
		"png": graphviz.PNG,
		"svg": graphviz.SVG,
		"jpg": graphviz.JPG,
	}[figureType]
	if !ok {
		return fmt.Errorf("%w: unknown figure type %q", ErrBadConfig, figureType)
	}

	for graphInd, bt := range m.Trees {
		fileName := fmt.Sprintf("%s_%05d.%s", dumpPrefix, graphInd, figureType)
		graphViz, graph := bt.Tree.DrawGraph()
		if err := graphViz.RenderFilename(graph, graphvizType, path.Join(picturesDirectory, fileName)); err != nil {
			return err
		}
	}
	return nil
}
