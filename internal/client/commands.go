package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Point is a screen position.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is a screen rectangle given by its corners.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// FindPicOptions tunes image matching.
type FindPicOptions struct {
	DeltaColor string
	Sim        float64
	Dir        int
}

// DefaultFindPicOptions matches exact colours at 0.9 similarity, scanning
// left to right and top to bottom.
var DefaultFindPicOptions = FindPicOptions{DeltaColor: "000000", Sim: 0.9, Dir: 0}

func (c *Client) callInt(cmd string, payload any) (int64, error) {
	raw, err := c.Call(cmd, payload)
	if err != nil {
		return 0, err
	}
	r := gjson.ParseBytes(raw)
	if r.Type != gjson.Number {
		return 0, fmt.Errorf("%s: %w: result %s is not a number", cmd, ErrUnexpectedReply, raw)
	}
	return r.Int(), nil
}

func (c *Client) callBool(cmd string, payload any) (bool, error) {
	n, err := c.callInt(cmd, payload)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) callArray(cmd string, payload any, n int) ([]int64, error) {
	raw, err := c.Call(cmd, payload)
	if err != nil {
		return nil, err
	}
	items := gjson.ParseBytes(raw).Array()
	if len(items) != n {
		return nil, fmt.Errorf("%s: %w: want %d values, got %s", cmd, ErrUnexpectedReply, n, raw)
	}
	out := make([]int64, n)
	for i, item := range items {
		out[i] = item.Int()
	}
	return out, nil
}

// SetPath sets the engine's resource directory.
func (c *Client) SetPath(path string) (bool, error) {
	return c.callBool("SetPath", map[string]any{"path": path})
}

// Reg registers the engine and returns its status code.
func (c *Client) Reg(code, ver string) (int64, error) {
	return c.callInt("Reg", map[string]any{"code": code, "ver": ver})
}

// MoveTo moves the mouse to p.
func (c *Client) MoveTo(p Point) (bool, error) {
	return c.callBool("MoveTo", p)
}

// LeftClick clicks the left mouse button.
func (c *Client) LeftClick() (bool, error) {
	return c.callBool("LeftClick", nil)
}

// FindPic searches area for the named pictures. It returns nil when nothing
// matched.
func (c *Client) FindPic(area Rect, pic string, opts FindPicOptions) (*Point, error) {
	vals, err := c.callArray("FindPic", map[string]any{
		"x1":          area.X1,
		"y1":          area.Y1,
		"x2":          area.X2,
		"y2":          area.Y2,
		"pic_name":    pic,
		"delta_color": opts.DeltaColor,
		"sim":         opts.Sim,
		"dir":         opts.Dir,
	}, 3)
	if err != nil {
		return nil, err
	}
	if vals[2] == -1 {
		return nil, nil
	}
	return &Point{X: int(vals[0]), Y: int(vals[1])}, nil
}

// GetWindowRect returns the screen rectangle of hwnd.
func (c *Client) GetWindowRect(hwnd uint64) (Rect, error) {
	vals, err := c.callArray("GetWindowRect", map[string]any{"hwnd": hwnd}, 5)
	if err != nil {
		return Rect{}, err
	}
	if vals[4] == 0 {
		return Rect{}, fmt.Errorf("GetWindowRect: window %d not found", hwnd)
	}
	return Rect{X1: int(vals[0]), Y1: int(vals[1]), X2: int(vals[2]), Y2: int(vals[3])}, nil
}

// KeyPress presses and releases the key with virtual key code vk.
func (c *Client) KeyPress(vk int) (bool, error) {
	return c.callBool("KeyPress", map[string]any{"vk_code": vk})
}

// KeyPressStr types s with delay milliseconds between keys.
func (c *Client) KeyPressStr(s string, delay int) (bool, error) {
	return c.callBool("KeyPressStr", map[string]any{"key_str": s, "delay": delay})
}

// BindWindow binds the engine to hwnd with the given input modes.
func (c *Client) BindWindow(hwnd uint64, display, mouse, keypad string, mode int) (bool, error) {
	return c.callBool("BindWindow", map[string]any{
		"hwnd":    hwnd,
		"display": display,
		"mouse":   mouse,
		"keypad":  keypad,
		"mode":    mode,
	})
}

// EnumWindow lists window handles below parent matching class and title.
func (c *Client) EnumWindow(parent uint64, class, title string, filter int) ([]uint64, error) {
	raw, err := c.Call("EnumWindow", map[string]any{
		"parent": parent,
		"class":  class,
		"title":  title,
		"filter": filter,
	})
	if err != nil {
		return nil, err
	}
	var list string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("EnumWindow: %w: %s", ErrUnexpectedReply, raw)
	}
	return parseHandles(list)
}

// FindWindow returns the first top-level window matching class and title,
// or 0.
func (c *Client) FindWindow(class, title string) (uint64, error) {
	n, err := c.callInt("FindWindow", map[string]any{"class": class, "title": title})
	return uint64(n), err
}

// FindWindowEx returns the first child of parent matching class and title,
// or 0.
func (c *Client) FindWindowEx(parent uint64, class, title string) (uint64, error) {
	n, err := c.callInt("FindWindowEx", map[string]any{"parent": parent, "class": class, "title": title})
	return uint64(n), err
}

// parseHandles splits the engine's comma-separated handle list.
func parseHandles(list string) ([]uint64, error) {
	if list == "" {
		return []uint64{}, nil
	}
	parts := strings.Split(list, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		h, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse window handle %q: %w", p, err)
		}
		out = append(out, h)
	}
	return out, nil
}
