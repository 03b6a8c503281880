package graphfile

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a graph file may contain.
type fileRoot struct {
	Graph      *graphBlock       `hcl:"graph,block"`
	Images     []*imageBlock     `hcl:"image,block"`
	Pyramids   []*pyramidBlock   `hcl:"pyramid,block"`
	Arrays     []*arrayBlock     `hcl:"array,block"`
	Scalars    []*scalarBlock    `hcl:"scalar,block"`
	Delays     []*delayBlock     `hcl:"delay,block"`
	Nodes      []*nodeBlock      `hcl:"node,block"`
	Parameters []*parameterBlock `hcl:"parameter,block"`
	Remain     hcl.Body          `hcl:",remain"`
}

type graphBlock struct {
	Serialize *bool `hcl:"serialize,optional"`
}

// imageBlock declares a plain, virtual, uniform, region or file image.
type imageBlock struct {
	Name    string         `hcl:"name,label"`
	Width   *int           `hcl:"width,optional"`
	Height  *int           `hcl:"height,optional"`
	Format  *string        `hcl:"format,optional"`
	Virtual *bool          `hcl:"virtual,optional"`
	File    *string        `hcl:"file,optional"`
	Output  *string        `hcl:"output,optional"`
	Value   hcl.Expression `hcl:"value,optional"`
	Parent  hcl.Expression `hcl:"parent,optional"`
	Rect    []int          `hcl:"rect,optional"`

	dir string
}

type pyramidBlock struct {
	Name    string  `hcl:"name,label"`
	Levels  int     `hcl:"levels"`
	Scale   *string `hcl:"scale,optional"`
	Width   *int    `hcl:"width,optional"`
	Height  *int    `hcl:"height,optional"`
	Format  *string `hcl:"format,optional"`
	Virtual *bool   `hcl:"virtual,optional"`
}

type arrayBlock struct {
	Name     string         `hcl:"name,label"`
	ItemType *string        `hcl:"item_type,optional"`
	Capacity *int           `hcl:"capacity,optional"`
	Virtual  *bool          `hcl:"virtual,optional"`
	Items    hcl.Expression `hcl:"items,optional"`
}

type scalarBlock struct {
	Name  string         `hcl:"name,label"`
	Type  string         `hcl:"type"`
	Value hcl.Expression `hcl:"value,optional"`
}

type delayBlock struct {
	Name     string         `hcl:"name,label"`
	Exemplar hcl.Expression `hcl:"exemplar"`
	Count    int            `hcl:"count"`
}

type nodeBlock struct {
	Name        string         `hcl:"name,label"`
	Kernel      string         `hcl:"kernel"`
	Params      hcl.Expression `hcl:"params"`
	Border      *string        `hcl:"border,optional"`
	BorderValue *int           `hcl:"border_value,optional"`
}

// parameterBlock exposes one node parameter as a graph parameter.
type parameterBlock struct {
	Name  string `hcl:"name,label"`
	Node  string `hcl:"node"`
	Index int    `hcl:"index"`
}

// merge appends the blocks of other to r.
func (r *fileRoot) merge(other *fileRoot) error {
	if other.Graph != nil {
		if r.Graph != nil {
			return errDuplicateGraph
		}
		r.Graph = other.Graph
	}
	r.Images = append(r.Images, other.Images...)
	r.Pyramids = append(r.Pyramids, other.Pyramids...)
	r.Arrays = append(r.Arrays, other.Arrays...)
	r.Scalars = append(r.Scalars, other.Scalars...)
	r.Delays = append(r.Delays, other.Delays...)
	r.Nodes = append(r.Nodes, other.Nodes...)
	r.Parameters = append(r.Parameters, other.Parameters...)
	return nil
}
