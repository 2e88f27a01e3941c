package js

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/michaelbrown/nanobox/internal/guest"
)

const dialTimeout = 5 * time.Second

const permissionErrorSrc = `this.PermissionError = class PermissionError extends Error {
	constructor(message) {
		super(message);
		this.name = "PermissionError";
	}
};`

// setupGlobals strips ambient globals and installs the host API.
func (s *session) setupGlobals() error {
	vm := s.vm

	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	ctor, err := vm.RunString(permissionErrorSrc)
	if err != nil {
		return err
	}
	s.permCtor = ctor

	console := vm.NewObject()
	console.Set("log", s.consoleFunc(s.host.Stdout()))
	console.Set("info", s.consoleFunc(s.host.Stdout()))
	console.Set("debug", s.consoleFunc(s.host.Stdout()))
	console.Set("warn", s.consoleFunc(s.host.Stderr()))
	console.Set("error", s.consoleFunc(s.host.Stderr()))
	vm.Set("console", console)

	fs := vm.NewObject()
	fs.Set("readFile", s.readFile)
	fs.Set("writeFile", s.writeFile)
	fs.Set("exists", s.exists)
	vm.Set("fs", fs)

	netObj := vm.NewObject()
	netObj.Set("connect", s.connect)
	vm.Set("net", netObj)

	osObj := vm.NewObject()
	osObj.Set("exit", s.exit)
	osObj.Set("getenv", s.getenv)
	osObj.Set("tmpdir", func(goja.FunctionCall) goja.Value { return vm.ToValue(s.host.ScratchDir()) })
	vm.Set("os", osObj)

	vm.Set("scriptArgs", []string{s.script})
	vm.Set("setTimeout", s.setTimeout)
	vm.Set("setInterval", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("setInterval is not supported"))
	})
	return nil
}

func (s *session) consoleFunc(w interface{ Write([]byte) (int, error) }) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		w.Write([]byte(strings.Join(parts, " ") + "\n"))
		return goja.Undefined()
	}
}

// resolve makes guest paths absolute, relative to the scratch dir, and
// resolves symbolic links so the policy sees the file actually touched.
func (s *session) resolve(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.host.ScratchDir(), p)
	}
	real, err := guest.RealPath(p)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	return real
}

// check asks the host for permission and throws into the guest on denial.
// Fatal denials also interrupt the VM so the guest cannot catch its way
// past them.
func (s *session) check(a guest.Action) {
	err := s.host.Check(s.ctx, a)
	if err == nil {
		return
	}
	var v *guest.Violation
	if errors.As(err, &v) && v.Fatal {
		s.fatal = v
		s.vm.Interrupt(v)
	}
	s.throwPermission(err.Error())
}

func (s *session) throwPermission(msg string) {
	obj, err := s.vm.New(s.permCtor, s.vm.ToValue(msg))
	if err != nil {
		panic(s.vm.NewGoError(errors.New(msg)))
	}
	panic(obj)
}

func (s *session) readFile(call goja.FunctionCall) goja.Value {
	path := s.resolve(call.Argument(0).String())
	s.check(guest.Action{Kind: guest.ActionFileRead, Target: path})

	f, err := guest.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	s.check(guest.Action{Kind: guest.ActionMemAlloc, Size: int64(len(data))})
	return s.vm.ToValue(string(data))
}

func (s *session) writeFile(call goja.FunctionCall) goja.Value {
	path := s.resolve(call.Argument(0).String())
	data := call.Argument(1).String()
	s.check(guest.Action{Kind: guest.ActionFileWrite, Target: path, Size: int64(len(data))})

	f, err := guest.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		panic(s.vm.NewGoError(err))
	}
	if err := f.Close(); err != nil {
		panic(s.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (s *session) exists(call goja.FunctionCall) goja.Value {
	path := s.resolve(call.Argument(0).String())
	s.check(guest.Action{Kind: guest.ActionFileRead, Target: path})

	_, err := os.Lstat(path)
	return s.vm.ToValue(err == nil)
}

func (s *session) connect(call goja.FunctionCall) goja.Value {
	addr := call.Argument(0).String()
	s.check(guest.Action{Kind: guest.ActionNetConnect, Target: addr})

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	conn.Close()
	return s.vm.ToValue(true)
}

func (s *session) exit(call goja.FunctionCall) goja.Value {
	code := 0
	if len(call.Arguments) > 0 {
		code = int(call.Argument(0).ToInteger())
	}
	if !s.exited {
		s.exited = true
		s.exitCode = code
	}
	s.vm.Interrupt(exitRequest(code))
	return goja.Undefined()
}

func (s *session) getenv(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	for _, kv := range s.host.Env() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			return s.vm.ToValue(v)
		}
	}
	return goja.Undefined()
}

func (s *session) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	s.seq++
	s.tasks = append(s.tasks, task{
		fn:    fn,
		args:  args,
		delay: call.Argument(1).ToInteger(),
		seq:   s.seq,
	})
	return s.vm.ToValue(s.seq)
}
