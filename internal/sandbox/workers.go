package sandbox

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/worker"
)

// workerConstructor is the Worker global. Scripts receive a stand-in whose
// imports are probed and pre-fetched before the real worker starts.
func (s *Scope) workerConstructor(vm *goja.Runtime) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		if s.opts.spawner == nil {
			throwError(vm, "NotSupportedError", "workers are not available in this context")
		}

		scriptURL, err := s.layer.Resolve(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		opts := workerOptions(call.Argument(1))

		obj := call.This
		listeners := make(map[string][]listener)
		for _, name := range []worker.EventType{worker.EventMessage, worker.EventError, worker.EventMessageError} {
			_ = obj.Set("on"+string(name), goja.Null())
		}

		deliver := func(ev worker.Event) {
			s.rt.Post(func(vm *goja.Runtime) {
				event := vm.NewObject()
				_ = event.Set("type", string(ev.Type))
				_ = event.Set("target", obj)
				switch ev.Type {
				case worker.EventError:
					_ = event.Set("message", ev.Message)
				default:
					var data interface{}
					if len(ev.Data) > 0 {
						if err := json.Unmarshal(ev.Data, &data); err != nil {
							_ = event.Set("type", string(worker.EventMessageError))
						}
					}
					_ = event.Set("data", data)
				}

				name := event.Get("type").String()
				if h, ok := goja.AssertFunction(obj.Get("on" + name)); ok {
					if _, err := h(obj, event); err != nil {
						s.rt.onError(err)
					}
				}
				for _, l := range append([]listener(nil), listeners[name]...) {
					if _, err := l.call(obj, event); err != nil {
						s.rt.onError(err)
					}
				}
			})
		}

		w := worker.New(s.ctx, worker.Config{
			FrameID:          s.FrameID(),
			BaseURL:          s.layer.BaseURL(),
			Network:          s.layer,
			Spawner:          s.opts.spawner,
			OnEvent:          deliver,
			ProbeTimeout:     s.cfg.ProbeTimeout,
			FetchParallelism: s.cfg.FetchParallelism,
			Logger:           s.log,
			Metrics:          s.cfg.Metrics,
		}, scriptURL, opts)

		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()

		_ = obj.Set("postMessage", func(data goja.Value) {
			err := w.PostMessage(exportValue(data))
			switch {
			case err == nil:
			case errors.Is(err, worker.ErrTerminated):
				s.log.Debug("message to terminated worker dropped", zap.String("script", scriptURL))
			default:
				throwError(vm, "DataCloneError", err.Error())
			}
		})
		_ = obj.Set("terminate", w.Terminate)
		_ = obj.Set("addEventListener", func(name string, fn goja.Value) {
			if cb, ok := goja.AssertFunction(fn); ok {
				listeners[name] = append(listeners[name], listener{fn: fn, call: cb})
			}
		})
		_ = obj.Set("removeEventListener", func(name string, fn goja.Value) {
			ls := listeners[name]
			for i := range ls {
				if ls[i].fn.SameAs(fn) {
					listeners[name] = append(ls[:i:i], ls[i+1:]...)
					return
				}
			}
		})
		return nil
	}
}

func workerOptions(v goja.Value) worker.Options {
	var opts worker.Options
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return opts
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return opts
	}
	_ = json.Unmarshal(raw, &opts)
	return opts
}
