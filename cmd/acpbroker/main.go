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

// Command acpbroker runs the Agent Communication Protocol broker: it
// serves ACP clients (one over stdio, any number over WebSocket), creates
// sessions on their request, discovers and assembles each session's tool catalog, and
// drives an OpenAI-compatible LLM through the prompt loop on the client's
// behalf.
//
// Usage:
//
//	acpbroker serve --config acpbroker.yaml
//	acpbroker serve --config acpbroker.yaml --ws-addr :8081
//	acpbroker serve --stdio --log-level debug
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI is the top-level command set.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the broker, serving ACP clients over stdio or WebSocket."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints the broker's build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("acpbroker version %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acpbroker"),
		kong.Description("acpbroker - Agent Communication Protocol broker"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	ctx.FatalIfErrorf(err)
}
