package device

import (
	"context"
	"encoding/json"
	"fmt"

	"devlink/internal/events"
	"devlink/internal/wire"
)

// CompileResult is the normalized outcome of a remote compile. Diagnostics
// are carried verbatim: the compiler pre-formats them and any reflow would
// mangle its snippets.
type CompileResult struct {
	Status       string   `json:"status"`
	Diagnostics  []string `json:"diagnostics"`
	DirtyModules []string `json:"dirtyModules,omitempty"`
}

func (r CompileResult) OK() bool { return r.Status == wire.StatusOK }

// CompileCode ships source to the device compiler. The dirty modules cache
// is replaced whenever the response reports them, even on a failed compile:
// partial compilation may already have swapped some modules out.
func (d *Device) CompileCode(ctx context.Context, source, filename string) (CompileResult, error) {
	payload := map[string]any{"code": source}
	if filename != "" {
		payload["file"] = filename
	}
	resp, err := d.session().Request(ctx, wire.CmdCompileCode, payload, defaultCompileTimeout)
	if err != nil {
		return CompileResult{}, fmt.Errorf("compile %s: %w", d.Descriptor().DisplayName(), err)
	}

	res, err := normalizeCompileResult(resp)
	if err != nil {
		return CompileResult{}, err
	}
	if res.DirtyModules != nil {
		d.mu.Lock()
		d.dirtyModules = res.DirtyModules
		d.mu.Unlock()
		d.publishChange(events.ChangeDirtyModules)
	}
	return res, nil
}

// normalizeCompileResult flattens the three result shapes devices produce
// (bare string, list of strings, object with diagnostics and dirty modules)
// into one CompileResult.
func normalizeCompileResult(resp wire.Response) (CompileResult, error) {
	res := CompileResult{Status: resp.Status}
	if len(resp.Result) == 0 {
		return res, nil
	}

	var single string
	if err := json.Unmarshal(resp.Result, &single); err == nil {
		res.Diagnostics = []string{single}
		return res, nil
	}

	var list []string
	if err := json.Unmarshal(resp.Result, &list); err == nil {
		res.Diagnostics = list
		return res, nil
	}

	var obj struct {
		Diagnostics     json.RawMessage `json:"diagnostics"`
		DirtyModules    []string        `json:"dirtyModules"`
		DirtyModulesAlt []string        `json:"dirty_modules"`
	}
	if err := json.Unmarshal(resp.Result, &obj); err != nil {
		return CompileResult{}, fmt.Errorf("unexpected compile result shape: %s", resp.Result)
	}
	if len(obj.Diagnostics) > 0 {
		if err := json.Unmarshal(obj.Diagnostics, &single); err == nil {
			res.Diagnostics = []string{single}
		} else if err := json.Unmarshal(obj.Diagnostics, &list); err == nil {
			res.Diagnostics = list
		} else {
			return CompileResult{}, fmt.Errorf("unexpected diagnostics shape: %s", obj.Diagnostics)
		}
	}
	res.DirtyModules = obj.DirtyModules
	if res.DirtyModules == nil {
		res.DirtyModules = obj.DirtyModulesAlt
	}
	return res, nil
}
