// Package config decodes the registry server's HCL configuration: which
// modules to serve, where to listen, and the hostname the registry is
// published under.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	svchost "github.com/hashicorp/terraform-svchost"
)

// RegistryConfig is the root type of a configuration for a registry server.
type RegistryConfig struct {
	Hostname  svchost.Hostname
	Listeners Listeners
	Modules   Modules
}

// LoadRegistryConfig processes a raw HCL Body into a configuration for a
// module registry server.
//
// If the returned diagnostics has errors, the returned configuration may
// be incomplete or invalid. Otherwise, the returned configuration is
// complete and guaranteed to be statically valid. (References to files,
// TCP ports, etc are not checked until they are used.)
func LoadRegistryConfig(body hcl.Body) (*RegistryConfig, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	hostname, remain, hostnameDiags := loadHostnameConfig(body)
	body = remain
	diags = append(diags, hostnameDiags...)

	listeners, remain, listenersDiags := loadListenersConfig(body)
	body = remain
	diags = append(diags, listenersDiags...)

	schema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{
				Type:       "module",
				LabelNames: []string{"namespace", "name", "provider"},
			},
		},
	}
	content, modulesDiags := body.Content(schema)
	diags = append(diags, modulesDiags...)

	type module struct {
		GitDir    string  `hcl:"git_dir,attr"`
		TagPrefix *string `hcl:"tag_prefix,attr"`
		Path      *string `hcl:"path,attr"`
	}

	modules := make(Modules)
	for _, block := range content.Blocks {
		namespace, name, provider := block.Labels[0], block.Labels[1], block.Labels[2]
		declRange := hcl.RangeBetween(block.TypeRange, block.LabelRanges[2])
		if modules[namespace] == nil {
			modules[namespace] = make(map[string]map[string]*Module)
		}
		if modules[namespace][name] == nil {
			modules[namespace][name] = make(map[string]*Module)
		}
		if existing, exists := modules[namespace][name][provider]; exists {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate module declaration",
				Detail:   fmt.Sprintf("A module block for %q %q %q was already declared at %s.", namespace, name, provider, existing.DeclRange),
				Subject:  &declRange,
			})
			continue
		}

		var raw module
		bodyDiags := gohcl.DecodeBody(block.Body, nil, &raw)
		diags = append(diags, bodyDiags...)
		if bodyDiags.HasErrors() {
			continue
		}

		// Release tags default to being prefixed with the module name,
		// which suits one-module-per-repository layouts. Monorepos that
		// tag as some other prefix set tag_prefix explicitly.
		tagPrefix := name
		if raw.TagPrefix != nil {
			tagPrefix = *raw.TagPrefix
		}
		var path string
		if raw.Path != nil {
			path = *raw.Path
		}

		modules[namespace][name][provider] = &Module{
			GitDir:    raw.GitDir,
			TagPrefix: tagPrefix,
			Path:      path,
			DeclRange: declRange,
		}
	}

	return &RegistryConfig{
		Hostname:  hostname,
		Listeners: listeners,
		Modules:   modules,
	}, diags
}

// Modules is a map of many modules to serve from a module registry
// service. The keys of each respective map are the "namespace" (an
// arbitrary container that may be used to model internal departments,
// etc), the module name, and the provider.
type Modules map[string]map[string]map[string]*Module

// Module is the configuration for a single module to be served from
// a module registry service.
type Module struct {
	// GitDir is the git repository the module's release tags live in.
	GitDir string

	// TagPrefix is the module identifier used in release tags, i.e. the
	// part before "/v1.2.3".
	TagPrefix string

	// Path optionally names the subdirectory of the tagged tree that
	// holds this module's configuration. Empty means the whole tree.
	Path string

	DeclRange hcl.Range
}
