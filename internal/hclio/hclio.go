// Package hclio reads and writes the HCL process-definition format used by
// `opm import` and `opm export`:
//
//	process "api" {
//	  script     = "node server.js"
//	  server     = "local"
//	  max_memory = "512mb"
//	  env = {
//	    PORT = "3000"
//	  }
//	  watch {
//	    path = "./src"
//	  }
//	}
package hclio

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// File is the root of an import/export document.
type File struct {
	Processes []ProcessBlock `hcl:"process,block"`
}

// ProcessBlock is one exported process definition.
type ProcessBlock struct {
	Name      string            `hcl:"name,label"`
	Script    string            `hcl:"script"`
	Server    string            `hcl:"server,optional"`
	MaxMemory string            `hcl:"max_memory,optional"`
	Env       map[string]string `hcl:"env,optional"`
	Watch     *WatchBlock       `hcl:"watch,block"`
}

// WatchBlock names the watched path.
type WatchBlock struct {
	Path string `hcl:"path"`
}

// Parse reads the document at path.
func Parse(path string) (File, error) {
	var file File
	if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return file, nil
}

// Render serializes the blocks into HCL text.
func Render(file File) []byte {
	out := hclwrite.NewEmptyFile()
	body := out.Body()

	for i, p := range file.Processes {
		if i > 0 {
			body.AppendNewline()
		}
		block := body.AppendNewBlock("process", []string{p.Name})
		pb := block.Body()
		pb.SetAttributeValue("script", cty.StringVal(p.Script))
		if p.Server != "" {
			pb.SetAttributeValue("server", cty.StringVal(p.Server))
		}
		if p.MaxMemory != "" {
			pb.SetAttributeValue("max_memory", cty.StringVal(p.MaxMemory))
		}
		if len(p.Env) > 0 {
			keys := make([]string, 0, len(p.Env))
			for k := range p.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			values := map[string]cty.Value{}
			for _, k := range keys {
				values[k] = cty.StringVal(p.Env[k])
			}
			pb.SetAttributeValue("env", cty.MapVal(values))
		}
		if p.Watch != nil && p.Watch.Path != "" {
			wb := pb.AppendNewBlock("watch", nil).Body()
			wb.SetAttributeValue("path", cty.StringVal(p.Watch.Path))
		}
	}
	return out.Bytes()
}

// Write renders the blocks to path.
func Write(path string, file File) error {
	if err := os.WriteFile(path, Render(file), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
