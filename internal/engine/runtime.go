// Component execution, adapted from the teacher's system/tee gojaScriptEngine:
// a fresh goja.Runtime per execution, a console/storage host API injected as
// globals, and the user script's entry point invoked with the trigger
// payload. Two things the teacher's TEE runtime never needed are added here:
// a watchdog goroutine that calls Runtime.Interrupt once the component's
// time cap elapses, and a fuel meter exposed to the script as a declining
// counter it must consume explicitly per unit of declared work, since goja
// has no native instruction-fuel concept the way a Wasm engine would.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/dop251/goja"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/internal/model"
)

// executionResult is what a single component run produces before it is
// wrapped into an Envelope. Skipped distinguishes a component's Ok(None) --
// it ran to completion and returned no payload, so no Envelope is built and
// nothing is submitted -- from Ok(Some(Output)), which is (spec §4.3 step 4).
type executionResult struct {
	Output       []byte
	Skipped      bool
	FuelConsumed uint64
	Logs         []string
}

// runComponent executes comp against triggerData under the given fuel/time
// caps and storage view. It never panics: goja runtime panics (stack
// overflow, interrupt) are recovered and classified into the execution error
// taxonomy.
func runComponent(ctx context.Context, serviceID, workflowID string, comp model.Component, triggerData []byte, storage *isolatedStorage) (result executionResult, err error) {
	vm := goja.New()

	fuelCap := comp.FuelCap
	if fuelCap == 0 {
		fuelCap = 1
	}
	fuelRemaining := fuelCap

	timeCap := time.Duration(comp.TimeCap) * time.Millisecond
	if timeCap <= 0 {
		timeCap = 5 * time.Second
	}

	logs := make([]string, 0, 8)

	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(*goja.InterruptedError); ok {
				if reason, ok := ie.Value().(string); ok && reason == interruptReasonTime {
					err = werrors.TimeExceeded(serviceID, workflowID)
					return
				}
				if reason, ok := ie.Value().(string); ok && reason == interruptReasonFuel {
					err = werrors.FuelExhausted(serviceID, workflowID)
					return
				}
				err = werrors.TimeExceeded(serviceID, workflowID)
				return
			}
			err = werrors.ComponentTrap(serviceID, workflowID, fmt.Errorf("%v", r))
		}
	}()

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			logs = append(logs, arg.String())
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	store := vm.NewObject()
	_ = store.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		v, storeErr := storage.Get(ctx, key)
		if storeErr != nil {
			panic(vm.ToValue(storeErr.Error()))
		}
		if v == nil {
			return goja.Null()
		}
		return vm.ToValue(string(v))
	})
	_ = store.Set("set", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value := call.Argument(1).String()
		if storeErr := storage.Set(ctx, key, []byte(value)); storeErr != nil {
			panic(vm.ToValue(storeErr.Error()))
		}
		return goja.Undefined()
	})
	_ = store.Set("delete", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if storeErr := storage.Delete(ctx, key); storeErr != nil {
			panic(vm.ToValue(storeErr.Error()))
		}
		return goja.Undefined()
	})
	_ = vm.Set("storage", store)

	_ = vm.Set("consumeFuel", func(call goja.FunctionCall) goja.Value {
		amount := uint64(call.Argument(0).ToInteger())
		if amount == 0 {
			amount = 1
		}
		if amount > fuelRemaining {
			fuelRemaining = 0
			vm.Interrupt(interruptReasonFuel)
			return goja.Undefined()
		}
		fuelRemaining -= amount
		return goja.Undefined()
	})

	for k, v := range comp.Config {
		_ = vm.Set("CONFIG_"+k, v)
	}
	for k, v := range comp.Env {
		_ = vm.Set("ENV_"+k, v)
	}

	timer := time.AfterFunc(timeCap, func() {
		vm.Interrupt(interruptReasonTime)
	})
	defer timer.Stop()

	if _, compileErr := vm.RunString(string(comp.Source)); compileErr != nil {
		return executionResult{}, werrors.ComponentTrap(serviceID, workflowID, compileErr)
	}

	entryName := comp.EntryPoint
	if entryName == "" {
		entryName = "handle"
	}
	entry, ok := goja.AssertFunction(vm.Get(entryName))
	if !ok {
		return executionResult{}, werrors.ComponentError(serviceID, workflowID, fmt.Sprintf("entry point %q is not a function", entryName))
	}

	inputB64 := base64.StdEncoding.EncodeToString(triggerData)
	retVal, callErr := entry(goja.Undefined(), vm.ToValue(inputB64))
	if callErr != nil {
		if ie, ok := callErr.(*goja.InterruptedError); ok {
			if reason, _ := ie.Value().(string); reason == interruptReasonFuel {
				return executionResult{}, werrors.FuelExhausted(serviceID, workflowID)
			}
			return executionResult{}, werrors.TimeExceeded(serviceID, workflowID)
		}
		return executionResult{}, werrors.ComponentTrap(serviceID, workflowID, callErr)
	}

	if goja.IsUndefined(retVal) || goja.IsNull(retVal) {
		return executionResult{
			Skipped:      true,
			FuelConsumed: fuelCap - fuelRemaining,
			Logs:         logs,
		}, nil
	}

	outStr := retVal.String()
	output, decodeErr := base64.StdEncoding.DecodeString(outStr)
	if decodeErr != nil {
		// Components that return plain text/JSON (not base64) are accepted
		// as-is; base64 is only the recommended binary-safe convention.
		output = []byte(outStr)
	}

	return executionResult{
		Output:       output,
		FuelConsumed: fuelCap - fuelRemaining,
		Logs:         logs,
	}, nil
}

const (
	interruptReasonTime = "time_exceeded"
	interruptReasonFuel = "fuel_exhausted"
)
