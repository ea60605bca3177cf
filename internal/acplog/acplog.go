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

// Package acplog configures the broker's process-wide slog logger.
//
// The stdio transport carries the ACP protocol on stdout; nothing but
// framed JSON-RPC may ever be written there (spec §6, §8 "stdout
// purity"). acplog therefore always writes to stderr, never stdout,
// regardless of transport mode.
package acplog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const packagePrefix = "github.com/fenwick-ai/acpbroker"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings default to warn.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// filteringHandler suppresses third-party library log records unless the
// level is debug, so routine noise from dependencies doesn't drown out the
// broker's own diagnostics at info/warn.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), packagePrefix) || strings.Contains(file, "acpbroker/")
}

// New builds the process-wide logger. Output always goes to stderr.
func New(levelStr string) *slog.Logger {
	level, _ := ParseLevel(levelStr)

	handler := &filteringHandler{
		handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		minLevel: level,
	}
	return slog.New(handler)
}

// NewText is like New but emits a human-readable text format (for
// interactive terminal sessions rather than production log collection).
func NewText(levelStr string) *slog.Logger {
	level, _ := ParseLevel(levelStr)
	handler := &filteringHandler{
		handler:  slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		minLevel: level,
	}
	return slog.New(handler)
}
