package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ScriptSymbol is the callable name scripted tasks resolve by convention.
const ScriptSymbol = "main"

// DefaultInterpreter invokes scripted tasks when no override is set.
const DefaultInterpreter = "python3"

// ScriptFunc is a loaded scripted-task callable. It receives the working
// directory, the input payload list, and the task parameters, and returns
// the replacement payload.
type ScriptFunc func(dir string, inputs []Payload, params map[string]interface{}) (Payload, error)

// ScriptLoader resolves a named callable from a script file. interpreter
// optionally overrides how the script is invoked; loaders that run scripts
// in-process ignore it. Kept injectable so tests can substitute a stub.
type ScriptLoader interface {
	Load(file, symbol, interpreter string) (ScriptFunc, error)
}

// harnessFileName is the wrapper staged next to scripted tasks. The script
// file itself only defines the callable; the harness imports it, feeds it
// the inputs and params, and writes the replacement payload back.
const harnessFileName = "runscript.py"

const harnessSource = `import importlib.util
import json
import sys


def main():
    file, symbol, indx = sys.argv[1], sys.argv[2], sys.argv[3]

    name = file[:-3] if file.endswith(".py") else file
    spec = importlib.util.spec_from_file_location(name, file)
    module = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(module)

    with open("inputs%s.json" % indx) as fio:
        inputs = json.load(fio)
    with open("params%s.json" % indx) as fio:
        params = json.load(fio)

    payload = getattr(module, symbol)(inputs, **params)

    with open("output%s.json" % indx, "w") as fio:
        json.dump(payload, fio)


if __name__ == "__main__":
    main()
`

// ExecLoader is the default ScriptLoader. Go cannot load code dynamically,
// so each call shells out: params and inputs are written as JSON files, the
// harness is staged into the working directory and invoked as
//
//	<interpreter> runscript.py <file> <symbol> <index>
//
// and the replacement payload is read back from output<index>.json.
type ExecLoader struct {
	// Interpreter is the default command, split on whitespace.
	Interpreter string

	mu    sync.Mutex
	calls int
}

func (l *ExecLoader) Load(file, symbol, interpreter string) (ScriptFunc, error) {
	if interpreter == "" {
		interpreter = l.Interpreter
	}
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	argv := strings.Fields(interpreter)

	return func(dir string, inputs []Payload, params map[string]interface{}) (Payload, error) {
		l.mu.Lock()
		n := l.calls
		l.calls++
		l.mu.Unlock()
		ind := strconv.Itoa(n)

		if params == nil {
			params = map[string]interface{}{}
		}
		if err := writeJSON(filepath.Join(dir, "params"+ind+".json"), params); err != nil {
			return nil, err
		}
		if err := writeJSON(filepath.Join(dir, "inputs"+ind+".json"), inputs); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, harnessFileName), []byte(harnessSource), 0644); err != nil {
			return nil, fmt.Errorf("failed to stage script harness: %w", err)
		}

		args := append(argv[1:], harnessFileName, file, symbol, ind)
		cmd := exec.Command(argv[0], args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		_ = os.WriteFile(filepath.Join(dir, "script"+ind+".out"), out, 0644)
		if err != nil {
			return nil, fmt.Errorf("script %s failed: %w", file, err)
		}

		data, err := os.ReadFile(filepath.Join(dir, "output"+ind+".json"))
		if err != nil {
			return nil, fmt.Errorf("script %s wrote no output: %w", file, err)
		}
		var payload Payload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("script %s output not valid JSON: %w", file, err)
		}
		return payload, nil
	}, nil
}

// StubLoader is an in-memory ScriptLoader for tests: callables are Go
// functions registered under their script filename.
type StubLoader struct {
	Funcs map[string]ScriptFunc
}

func (l *StubLoader) Load(file, symbol, interpreter string) (ScriptFunc, error) {
	fn, ok := l.Funcs[file]
	if !ok {
		return nil, fmt.Errorf("no stub registered for %s", file)
	}
	return fn, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
