// Copyright 2025 Fenwick AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package toolcatalog assembles the toolset offered to the LLM Runner for a
// session, following the three-tier pipeline of spec.md §4.7:
//
//  1. Catalog-driven: the client's discover_tools response, wrapped behind
//     a generic bridge for anything the broker has no native handler for.
//  2. Capability-driven: tools synthesized from the client's negotiated
//     capabilities (fs/terminal) when discovery yields nothing.
//  3. Default: the built-in set (run_command, read_file, write_file) so a
//     session is never left with zero tools.
package toolcatalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/fenwick-ai/acpbroker/internal/registry"
)

// Descriptor is one tool offered to the LLM, in OpenAI function-calling
// shape: Name/Description/Parameters go straight into the chat/completions
// "tools" array (internal/llmrunner).
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// bridged is true for tools whose execution is forwarded verbatim to
	// the client through the generic bridge, rather than handled natively.
	bridged bool
}

// Handler executes one tool call and returns its raw output.
type Handler func(ctx Context, args map[string]any) (map[string]any, error)

// Context carries what a Handler needs to reach the peer and tracker
// without importing them directly (kept narrow to avoid import cycles).
type Context interface {
	SessionID() string
	CallID() string
}

// Entry pairs a Descriptor with the Handler that executes it.
type Entry struct {
	Descriptor Descriptor
	Handler    Handler
}

// Catalog is the immutable, per-session set of tools, built once when the
// session is created. Once built it never changes for the life of the session
// (spec.md §4.7 "session immutability").
type Catalog struct {
	entries *registry.BaseRegistry[Entry]
}

func newCatalog() *Catalog {
	return &Catalog{entries: registry.NewBaseRegistry[Entry]()}
}

// Descriptors returns the tool list in the shape the LLM Runner sends
// upstream.
func (c *Catalog) Descriptors() []Descriptor {
	entries := c.entries.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor)
	}
	return out
}

// Lookup resolves a tool name to its Handler.
func (c *Catalog) Lookup(name string) (Handler, bool) {
	e, ok := c.entries.Get(name)
	if !ok {
		return nil, false
	}
	return e.Handler, true
}

// Len reports how many tools the catalog carries.
func (c *Catalog) Len() int { return c.entries.Count() }

// RawToolDescriptor is the wire shape of one entry in a client's
// discover_tools response (spec.md §4.7).
type RawToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// BridgeFunc forwards a tool call the broker doesn't natively implement to
// the client, through whatever reverse-RPC extension method the peer
// negotiated at initialize time.
type BridgeFunc func(ctx Context, toolName string, args map[string]any) (map[string]any, error)

// Capabilities mirrors the subset of the client's negotiated capabilities
// that drive tier-2 tool synthesis.
type Capabilities struct {
	FS       bool
	Terminal bool
}

// Builder assembles a Catalog for one session using the three-tier
// pipeline. It holds no per-session state itself; callers own single-flight
// discovery (internal/session).
type Builder struct {
	bridge  BridgeFunc
	natives map[string]Handler // name -> native handler, when the broker implements a tool itself
	sources []Source
}

// Source is a supplemental tool provider (e.g. MCP) consulted after the
// primary discover_tools catalog, in addition to it.
type Source interface {
	// Name identifies the source for logging/DESIGN grounding.
	Name() string
	// Tools returns the entries this source contributes.
	Tools() ([]Entry, error)
}

// NewBuilder creates a Builder. bridge may be nil if the client offers no
// extension forwarding (unknown catalog tools are then dropped instead).
func NewBuilder(bridge BridgeFunc) *Builder {
	return &Builder{bridge: bridge, natives: make(map[string]Handler)}
}

// RegisterNative wires a broker-implemented tool (e.g. run_command) that
// takes precedence over any same-named catalog/bridge entry.
func (b *Builder) RegisterNative(name string, handler Handler) {
	b.natives[name] = handler
}

// AddSource registers a supplemental tool source consulted during Build,
// alongside tier 1/2 (e.g. MCPSource).
func (b *Builder) AddSource(s Source) {
	b.sources = append(b.sources, s)
}

// Build runs the three-tier pipeline against one discover_tools response.
// An empty raw slice with caps.FS/caps.Terminal set falls through to tier 2;
// an empty result from both falls through to tier 3.
func (b *Builder) Build(raw []RawToolDescriptor, caps Capabilities) (*Catalog, error) {
	cat := newCatalog()

	if len(raw) > 0 {
		if err := b.buildTierOne(cat, raw); err != nil {
			return nil, err
		}
	} else if caps.FS || caps.Terminal {
		b.buildTierTwo(cat, caps)
	}

	for _, src := range b.sources {
		entries, err := src.Tools()
		if err != nil {
			return nil, fmt.Errorf("toolcatalog: source %s: %w", src.Name(), err)
		}
		for _, e := range entries {
			if err := cat.entries.Register(e.Descriptor.Name, e); err != nil {
				// A supplemental source never overrides an existing tool.
				continue
			}
		}
	}

	if cat.Len() == 0 {
		b.buildTierThree(cat)
	}

	return cat, nil
}

func (b *Builder) buildTierOne(cat *Catalog, raw []RawToolDescriptor) error {
	for _, rd := range raw {
		desc := Descriptor{Name: rd.Name, Description: rd.Description, Parameters: rd.InputSchema}

		if native, ok := b.natives[rd.Name]; ok {
			_ = cat.entries.Register(rd.Name, Entry{Descriptor: desc, Handler: native})
			continue
		}

		if b.bridge == nil {
			// No extension channel: the catalog entry is dropped, not
			// bridged, per spec.md §4.7 tier-1 fallback note.
			continue
		}

		desc.bridged = true
		name := rd.Name
		handler := func(ctx Context, args map[string]any) (map[string]any, error) {
			return b.bridge(ctx, name, args)
		}
		if err := cat.entries.Register(rd.Name, Entry{Descriptor: desc, Handler: handler}); err != nil {
			return fmt.Errorf("toolcatalog: duplicate tool %q in discover_tools response", rd.Name)
		}
	}
	return nil
}

func (b *Builder) buildTierTwo(cat *Catalog, caps Capabilities) {
	if caps.FS {
		if native, ok := b.natives["read_file"]; ok {
			_ = cat.entries.Register("read_file", Entry{Descriptor: readFileDescriptor(), Handler: native})
		}
		if native, ok := b.natives["write_file"]; ok {
			_ = cat.entries.Register("write_file", Entry{Descriptor: writeFileDescriptor(), Handler: native})
		}
	}
	if caps.Terminal {
		if native, ok := b.natives["run_command"]; ok {
			_ = cat.entries.Register("run_command", Entry{Descriptor: runCommandDescriptor(), Handler: native})
		}
	}
}

func (b *Builder) buildTierThree(cat *Catalog) {
	if native, ok := b.natives["run_command"]; ok {
		_ = cat.entries.Register("run_command", Entry{Descriptor: runCommandDescriptor(), Handler: native})
	}
	if native, ok := b.natives["read_file"]; ok {
		_ = cat.entries.Register("read_file", Entry{Descriptor: readFileDescriptor(), Handler: native})
	}
	if native, ok := b.natives["write_file"]; ok {
		_ = cat.entries.Register("write_file", Entry{Descriptor: writeFileDescriptor(), Handler: native})
	}
}

type runCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory"`
}

type readFileArgs struct {
	Path  string `json:"path" jsonschema:"required,description=File path to read"`
	Line  int    `json:"line,omitempty" jsonschema:"description=1-indexed line to start from"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write"`
	Content string `json:"content" jsonschema:"required,description=Full file content"`
}

func runCommandDescriptor() Descriptor {
	return Descriptor{Name: "run_command", Description: "Run a shell command in the session's terminal.", Parameters: mustSchema[runCommandArgs]()}
}

func readFileDescriptor() Descriptor {
	return Descriptor{Name: "read_file", Description: "Read a text file from the workspace.", Parameters: mustSchema[readFileArgs]()}
}

func writeFileDescriptor() Descriptor {
	return Descriptor{Name: "write_file", Description: "Write a text file in the workspace.", Parameters: mustSchema[writeFileArgs]()}
}

var schemaCacheMu sync.Mutex

// mustSchema generates an OpenAI-compatible parameter schema from a Go
// struct's json/jsonschema tags, the way functiontool.generateSchema does.
func mustSchema[T any]() map[string]any {
	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()

	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("toolcatalog: marshal schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("toolcatalog: unmarshal schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")

	if m["type"] == "object" {
		result := map[string]any{"type": "object", "properties": m["properties"]}
		if req, ok := m["required"]; ok {
			result["required"] = req
		}
		return result
	}
	return m
}
