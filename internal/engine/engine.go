package engine

import "errors"

// Startup and instantiation failures. Implementations wrap these so callers
// can classify with errors.Is.
var (
	// ErrMissingDependency means a required native component is not on disk.
	ErrMissingDependency = errors.New("missing native dependency")

	// ErrLoadFailure means a native component exists but could not be
	// loaded or registered.
	ErrLoadFailure = errors.New("native library load failure")

	// ErrInstanceCreation means the engine could not be instantiated.
	ErrInstanceCreation = errors.New("engine instance creation failed")
)

// ReleaseOK is the value Instance.Release reports when the engine released
// its reference successfully. Any other value is a failed release.
const ReleaseOK = 1

// Method names understood by the automation engine.
const (
	MethodSetPath         = "SetPath"
	MethodReg             = "Reg"
	MethodMoveTo          = "MoveTo"
	MethodLeftClick       = "LeftClick"
	MethodFindPic         = "FindPic"
	MethodGetWindowRect   = "GetWindowRect"
	MethodKeyPress        = "KeyPress"
	MethodKeyPressStr     = "KeyPressStr"
	MethodBindWindow      = "BindWindow"
	MethodEnumWindow      = "EnumWindow"
	MethodFindWindow      = "FindWindow"
	MethodFindWindowEx    = "FindWindowEx"
	MethodEnableRealMouse = "EnableRealMouse"
)

// Engine is the entry point into the native automation component.
type Engine interface {
	// Prepare locates and registers the native component. Callers must not
	// invoke it more than once per process; the registry guarantees that.
	Prepare() error

	// NewInstance asks the engine to instantiate a new object.
	NewInstance() (Instance, error)
}

// Instance is one live engine object. It is not safe for concurrent use:
// the engine is assumed to be non-reentrant.
type Instance interface {
	// ID returns the engine-assigned identity of this instance.
	ID() (int, error)

	// Call invokes a named operation with positional arguments and returns
	// the engine's raw result value.
	Call(method string, args ...any) (any, error)

	// Release drops the engine's reference and returns its status code.
	// ReleaseOK signals success.
	Release() (int, error)
}
