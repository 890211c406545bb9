// Package dmsoft implements engine.Engine on top of the dm.dmsoft COM
// automation server. The server is registered side-by-side from DmReg.dll
// rather than through the system registry, so both DLLs must sit in the
// configured library directory.
package dmsoft

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/seantiz/dmworker/internal/engine"
)

// Native artifacts and COM identity.
const (
	RegDLL    = "DmReg.dll"
	EngineDLL = "dm.dll"
	ProgID    = "dm.dmsoft"

	setDllPathProc = "SetDllPathW"
	methodGetID    = "GetID"
	methodRelease  = "ReleaseRef"
)

// outParams lists methods that report through trailing VARIANT* out
// parameters. Their results are packed as [out..., return value].
var outParams = map[string]int{
	engine.MethodFindPic:       2,
	engine.MethodGetWindowRect: 4,
}

// Engine is the dm.dmsoft engine rooted at a library directory.
type Engine struct {
	dir string
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine that loads its DLLs from dir.
func New(dir string) *Engine {
	return &Engine{dir: dir}
}

// Dir returns the library directory.
func (e *Engine) Dir() string {
	return e.dir
}

// libraryPaths resolves both DLL paths and checks they exist.
func libraryPaths(dir string) (regPath, dllPath string, err error) {
	regPath = filepath.Join(dir, RegDLL)
	dllPath = filepath.Join(dir, EngineDLL)

	for _, p := range []string{regPath, dllPath} {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return "", "", fmt.Errorf("%w: %s not found", engine.ErrMissingDependency, p)
		}
	}
	return regPath, dllPath, nil
}

// normalizeArg narrows JSON-decoded integers to 32 bits when they fit, since
// the COM interface declares its integer parameters as long.
func normalizeArg(v any) any {
	switch n := v.(type) {
	case int64:
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	case int:
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	}
	return v
}

// normalizeResult widens small integer types so results encode uniformly.
func normalizeResult(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

// packResult builds the [out..., ret] result of an out-parameter method.
func packResult(outs []any, ret any) []any {
	packed := make([]any, 0, len(outs)+1)
	for _, o := range outs {
		packed = append(packed, normalizeResult(o))
	}
	return append(packed, normalizeResult(ret))
}

// toInt converts an integer-valued COM result to int.
func toInt(v any) (int, error) {
	switch n := normalizeResult(v).(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case uint64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
}
