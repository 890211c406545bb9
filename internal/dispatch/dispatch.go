// Package dispatch maps protocol commands onto engine calls. Each command
// names one engine method and the payload fields passed to it, in order.
package dispatch

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/seantiz/dmworker/internal/engine"
)

var (
	// ErrUnknownCommand is returned for a command name outside the table.
	// Its text is what the parent process expects to see.
	ErrUnknownCommand = errors.New("No command.") //nolint:staticcheck

	// ErrMissingField is wrapped by MissingFieldError.
	ErrMissingField = errors.New("missing payload field")
)

// MissingFieldError reports a required payload field that was absent.
type MissingFieldError struct {
	Cmd   string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s %q", e.Cmd, ErrMissingField, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

type command struct {
	method string
	fields []string
}

var commands = map[string]command{
	"SetPath":       {engine.MethodSetPath, []string{"path"}},
	"Reg":           {engine.MethodReg, []string{"code", "ver"}},
	"MoveTo":        {engine.MethodMoveTo, []string{"x", "y"}},
	"LeftClick":     {engine.MethodLeftClick, nil},
	"FindPic":       {engine.MethodFindPic, []string{"x1", "y1", "x2", "y2", "pic_name", "delta_color", "sim", "dir"}},
	"GetWindowRect": {engine.MethodGetWindowRect, []string{"hwnd"}},
	"KeyPress":      {engine.MethodKeyPress, []string{"vk_code"}},
	"KeyPressStr":   {engine.MethodKeyPressStr, []string{"key_str", "delay"}},
	"BindWindow":    {engine.MethodBindWindow, []string{"hwnd", "display", "mouse", "keypad", "mode"}},
	"EnumWindow":    {engine.MethodEnumWindow, []string{"parent", "class", "title", "filter"}},
	"FindWindow":    {engine.MethodFindWindow, []string{"class", "title"}},
	"FindWindowEx":  {engine.MethodFindWindowEx, []string{"parent", "class", "title"}},
}

// Commands returns the recognised command names, sorted.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether cmd is in the command table.
func Known(cmd string) bool {
	_, ok := commands[cmd]
	return ok
}

// Args resolves cmd to its engine method and extracts the method's
// arguments from payload. Values are passed through without validation.
func Args(cmd string, payload []byte) (string, []any, error) {
	c, ok := commands[cmd]
	if !ok {
		return "", nil, errors.WithStack(ErrUnknownCommand)
	}

	args := make([]any, 0, len(c.fields))
	for _, field := range c.fields {
		r := gjson.GetBytes(payload, field)
		if !r.Exists() {
			return "", nil, errors.WithStack(&MissingFieldError{Cmd: cmd, Field: field})
		}
		args = append(args, value(r))
	}
	return c.method, args, nil
}

// Dispatch runs cmd against inst and returns the engine's result unchanged.
func Dispatch(inst engine.Instance, cmd string, payload []byte) (any, error) {
	method, args, err := Args(cmd, payload)
	if err != nil {
		return nil, err
	}

	result, err := inst.Call(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	return result, nil
}

// value converts a payload field to the Go value handed to the engine.
// Integral numbers stay integers.
func value(r gjson.Result) any {
	switch r.Type {
	case gjson.Number:
		if i, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return i
		}
		return r.Float()
	case gjson.String:
		return r.Str
	case gjson.True, gjson.False:
		return r.Bool()
	case gjson.Null:
		return nil
	default:
		return r.Value()
	}
}
