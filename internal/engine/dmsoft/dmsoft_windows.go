//go:build windows

package dmsoft

import (
	"errors"
	"fmt"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"golang.org/x/sys/windows"

	"github.com/seantiz/dmworker/internal/engine"
)

// sFalse is returned by CoInitializeEx when the thread is already initialized.
const sFalse = 1

// Prepare initializes COM on the calling thread and registers dm.dll through
// DmReg.dll. The caller must stay on the same OS thread for every later call.
func (e *Engine) Prepare() error {
	regPath, dllPath, err := libraryPaths(e.dir)
	if err != nil {
		return err
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return fmt.Errorf("%w: CoInitializeEx: %v", engine.ErrLoadFailure, err)
		}
	}

	dll, err := windows.LoadDLL(regPath)
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", engine.ErrLoadFailure, regPath, err)
	}
	proc, err := dll.FindProc(setDllPathProc)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", engine.ErrLoadFailure, setDllPathProc, err)
	}
	path, err := windows.UTF16PtrFromString(dllPath)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", engine.ErrLoadFailure, dllPath, err)
	}

	// The return value carries no documented status; the last error of a
	// successful call is not meaningful either.
	_, _, _ = proc.Call(uintptr(unsafe.Pointer(path)), 0)
	return nil
}

// NewInstance creates a dm.dmsoft object and takes its IDispatch.
func (e *Engine) NewInstance() (engine.Instance, error) {
	unknown, err := oleutil.CreateObject(ProgID)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", ProgID, err)
	}
	defer unknown.Release()

	disp, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("query IDispatch: %w", err)
	}
	return &instance{disp: disp}, nil
}

type instance struct {
	disp *ole.IDispatch
}

func (i *instance) ID() (int, error) {
	v, err := i.invoke(methodGetID)
	if err != nil {
		return 0, err
	}
	return toInt(v)
}

func (i *instance) Call(method string, args ...any) (any, error) {
	params := make([]any, 0, len(args)+outParams[method])
	for _, a := range args {
		params = append(params, normalizeArg(a))
	}

	n := outParams[method]
	if n == 0 {
		v, err := i.invoke(method, params...)
		if err != nil {
			return nil, err
		}
		return normalizeResult(v), nil
	}

	outs := make([]ole.VARIANT, n)
	for k := range outs {
		ole.VariantInit(&outs[k])
		params = append(params, &outs[k])
	}
	ret, err := i.invoke(method, params...)
	if err != nil {
		return nil, err
	}

	values := make([]any, n)
	for k := range outs {
		values[k] = outs[k].Value()
		_ = outs[k].Clear()
	}
	return packResult(values, ret), nil
}

func (i *instance) Release() (int, error) {
	defer i.disp.Release()

	v, err := i.invoke(methodRelease)
	if err != nil {
		return 0, err
	}
	return toInt(v)
}

func (i *instance) invoke(method string, params ...any) (any, error) {
	res, err := oleutil.CallMethod(i.disp, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer res.Clear()
	return res.Value(), nil
}
