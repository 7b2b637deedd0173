// Package miniaudio implements the device interfaces on top of the malgo
// (miniaudio) bindings, giving Aria access to real microphone and speaker
// hardware on every desktop platform miniaudio supports.
package miniaudio

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/veridian-labs/aria/pkg/audio/device"
)

// Compile-time interface assertion.
var _ device.Opener = (*Backend)(nil)

// Backend owns the miniaudio context shared by all devices it opens.
// Create one per process with [NewBackend] and Close it on shutdown.
type Backend struct {
	ctx *malgo.AllocatedContext
}

// NewBackend initialises the miniaudio context. Backend log messages are
// forwarded to slog at debug level.
func NewBackend() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

// OpenInput implements [device.Opener].
func (b *Backend) OpenInput(cfg device.InputConfig) (device.InputDevice, error) {
	return newInputDevice(b.ctx, cfg)
}

// OpenOutput implements [device.Opener].
func (b *Backend) OpenOutput(cfg device.OutputConfig) (device.OutputDevice, error) {
	return newOutputDevice(b.ctx, cfg)
}

// Close releases the miniaudio context. Devices opened from this backend
// must be closed first.
func (b *Backend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// classify maps a miniaudio failure onto the device error taxonomy.
// miniaudio reports failures as result-code strings, so classification is
// best-effort substring matching.
func classify(op string, err error) *device.Error {
	kind := device.KindGeneric
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		kind = device.KindPermissionDenied
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"), strings.Contains(msg, "no backend"):
		kind = device.KindNotFound
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "unavailable"):
		kind = device.KindNotReadable
	case strings.Contains(msg, "format not supported"), strings.Contains(msg, "invalid device config"):
		kind = device.KindOverconstrained
	}
	return &device.Error{Kind: kind, Op: op, Err: err}
}
