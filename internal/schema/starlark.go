package schema

import (
	"fmt"
	"time"

	"duck-semantic/internal/domain"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"gopkg.in/yaml.v3"
)

const (
	defaultStarlarkMaxSteps = uint64(200_000)
	defaultStarlarkTimeout  = 5 * time.Second
	maxStarlarkModuleBytes  = 1024 * 1024
)

// ParseStarlark executes a Starlark model module. The module declares cubes
// and views by calling the cube(name, ...) and view(name, ...) builtins with
// the same keys a YAML document uses:
//
//	cube("orders", sql_table = "public.orders", measures = [{"name": "count", "type": "count"}])
//
// The collected declarations are decoded through the YAML path so that both
// formats share one set of validation rules.
func ParseStarlark(name string, src []byte, opts Options) (*domain.Schema, error) {
	if len(src) > maxStarlarkModuleBytes {
		return nil, domain.ErrUser("starlark module %s exceeds %d bytes", name, maxStarlarkModuleBytes)
	}

	var cubes, views []interface{}
	collect := func(kind string, into *[]interface{}) *starlark.Builtin {
		return starlark.NewBuiltin(kind, func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s: expected the name as the only positional argument", fn.Name())
			}
			cubeName, ok := starlark.AsString(args[0])
			if !ok {
				return nil, fmt.Errorf("%s: name must be a string, got %s", fn.Name(), args[0].Type())
			}
			def := map[string]interface{}{"name": cubeName}
			for _, kv := range kwargs {
				key, _ := starlark.AsString(kv[0])
				v, err := fromStarlark(kv[1])
				if err != nil {
					return nil, fmt.Errorf("%s %s: %s: %w", fn.Name(), cubeName, key, err)
				}
				def[key] = v
			}
			*into = append(*into, def)
			return starlark.None, nil
		})
	}
	predeclared := starlark.StringDict{
		"cube": collect("cube", &cubes),
		"view": collect("view", &views),
	}

	thread := &starlark.Thread{Name: "schema-module " + name}
	thread.SetMaxExecutionSteps(defaultStarlarkMaxSteps)
	if err := runStarlarkWithTimeout(thread, defaultStarlarkTimeout, func() error {
		_, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, predeclared)
		return err
	}); err != nil {
		return nil, domain.ErrUser("load starlark module %s: %v", name, err)
	}

	doc := map[string]interface{}{}
	if len(cubes) > 0 {
		doc["cubes"] = cubes
	}
	if len(views) > 0 {
		doc["views"] = views
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode starlark module %s: %w", name, err)
	}
	return ParseYAML(name, data, opts)
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case *starlark.List:
		return fromIterable(x)
	case starlark.Tuple:
		return fromIterable(x)
	case *starlark.Dict:
		out := make(map[string]interface{}, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable) ([]interface{}, error) {
	iter := it.Iterate()
	defer iter.Done()
	out := []interface{}{}
	var item starlark.Value
	for iter.Next(&item) {
		v, err := fromStarlark(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func runStarlarkWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("starlark execution timed out")
		if err := <-done; err != nil {
			return fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return fmt.Errorf("timed out after %s", timeout)
	}
}
