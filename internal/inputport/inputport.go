// Package inputport defines the platform input-injection capability the
// ClientHandlerWorker calls into, and a logging no-op implementation used
// wherever no platform-specific injector is wired (headless test
// environments, or platforms this build doesn't target).
package inputport

import "github.com/lanternops/deskrelay/internal/logging"

var log = logging.L("inputport")

// MouseButton mirrors the wire bit semantics: pressed if set, released if
// clear.
type MouseButton uint8

const (
	ButtonLeft   MouseButton = 0x01
	ButtonRight  MouseButton = 0x02
	ButtonMiddle MouseButton = 0x04
)

// Handler is the platform-specific capability for injecting mouse and
// keyboard events onto the host, named by what each operation does on the
// wire rather than by any one platform's API.
type Handler interface {
	// MoveMouse positions the cursor absolutely at (x, y).
	MoveMouse(x, y int32) error
	// SetMouseButtons applies the given button bitmap (pressed bits set,
	// released bits clear) at the cursor's current position.
	SetMouseButtons(buttons uint8) error
	// ScrollWheel injects a vertical scroll of delta units.
	ScrollWheel(delta int32) error
	// SetKey presses (pressed=true) or releases (pressed=false) key,
	// combined with the given modifier bitmap.
	SetKey(key uint32, modifiers uint32, pressed bool) error
}

// NoopHandler logs every call and always succeeds. It is the default
// Handler when no platform-specific injector is wired, keeping the
// ClientHandlerWorker exercisable in headless/test environments.
type NoopHandler struct{}

func (NoopHandler) MoveMouse(x, y int32) error {
	log.Debug("mouse move", "x", x, "y", y)
	return nil
}

func (NoopHandler) SetMouseButtons(buttons uint8) error {
	log.Debug("mouse buttons", "buttons", buttons)
	return nil
}

func (NoopHandler) ScrollWheel(delta int32) error {
	log.Debug("mouse wheel", "delta", delta)
	return nil
}

func (NoopHandler) SetKey(key uint32, modifiers uint32, pressed bool) error {
	log.Debug("keyboard event", "key", key, "modifiers", modifiers, "pressed", pressed)
	return nil
}
