// Package graphfile loads HCL graph descriptions into an engine. A file
// declares data objects (image, pyramid, array, scalar and delay blocks),
// the nodes wired over them and, optionally, graph parameters:
//
//	image "input" {
//	  file = "in.png"
//	}
//	image "inverted" {
//	  virtual = true
//	}
//	image "mask" {
//	  width  = 640
//	  height = 480
//	  format = "U008"
//	  output = "mask.png"
//	}
//	scalar "limit" {
//	  type  = "uint8"
//	  value = 100
//	}
//	node "not" {
//	  kernel = "pixel.not"
//	  params = [image.input, image.inverted]
//	}
//	node "threshold" {
//	  kernel = "pixel.threshold"
//	  params = [image.inverted, scalar.limit, image.mask]
//	}
//
// Delay slots and pyramid levels are referenced with slot(delay.d, -1) and
// level(pyramid.p, 1).
package graphfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/engine"
)

var errDuplicateGraph = errors.New("graph block declared more than once")

// Loader reads HCL graph files.
type Loader struct{}

// NewLoader creates a new HCL graph loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under paths, in lexical order, and builds
// one graph from their combined blocks.
func (l *Loader) Load(ctx context.Context, e *engine.Engine, paths ...string) (*Description, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no graph files found in %v", paths)
	}
	logger.Debug("Discovered graph files.", "count", len(files))

	parser := hclparse.NewParser()
	root := &fileRoot{}
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read graph file %s: %w", file, err)
		}
		part, err := l.decode(parser, src, file)
		if err != nil {
			return nil, err
		}
		if err := root.merge(part); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	return l.build(ctx, e, root)
}

// Parse builds a graph from HCL source already in memory. Relative file
// paths resolve against the directory of filename.
func (l *Loader) Parse(ctx context.Context, e *engine.Engine, src []byte, filename string) (*Description, error) {
	root, err := l.decode(hclparse.NewParser(), src, filename)
	if err != nil {
		return nil, err
	}
	return l.build(ctx, e, root)
}

func (l *Loader) decode(parser *hclparse.Parser, src []byte, filename string) (*fileRoot, error) {
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	dir := filepath.Dir(filename)
	for _, img := range root.Images {
		img.dir = dir
	}
	return &root, nil
}

// findAllHCLFiles walks all given paths and returns a sorted list of the
// .hcl files found. Missing paths are an error.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(allFiles)
	return allFiles, nil
}
