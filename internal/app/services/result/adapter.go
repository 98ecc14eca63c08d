// Package result normalizes the heterogeneous payload shapes returned by
// the audit backend into the canonical report model. The backend returns
// either a bare result object or an array of per-file results; both are
// adapted losslessly.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/solguard/auditd/internal/app/domain/audit"
)

// Adapt converts one raw backend payload, object or array, into the
// canonical result. The only shape-sniffing performed is a single
// discriminator check on the leading byte.
func Adapt(raw json.RawMessage) (audit.Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return audit.Result{}, fmt.Errorf("empty result payload")
	}
	if !gjson.ValidBytes(trimmed) {
		return audit.Result{}, fmt.Errorf("malformed result payload")
	}

	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return audit.Result{}, fmt.Errorf("decode result array: %w", err)
		}
		return AdaptAll(elements)
	}
	return adaptOne(trimmed), nil
}

// AdaptAll converts a list of raw per-file payloads. A single element is
// adapted exactly as a bare payload would be; multiple elements yield a
// multi-project result preserving the file mapping.
func AdaptAll(elements []json.RawMessage) (audit.Result, error) {
	switch len(elements) {
	case 0:
		return audit.Result{}, fmt.Errorf("empty result payload")
	case 1:
		return adaptOne(bytes.TrimSpace(elements[0])), nil
	}

	combined := audit.Result{Success: true}
	combined.Projects = make([]audit.ProjectResult, 0, len(elements))
	for _, element := range elements {
		one := adaptOne(bytes.TrimSpace(element))
		project := audit.ProjectResult{
			File:         gjson.GetBytes(element, "file").String(),
			Success:      one.Success,
			Error:        one.Error,
			Findings:     one.Findings,
			ContractName: one.ContractName,
			AnalysisID:   one.AnalysisID,
		}
		if !one.Success {
			combined.Success = false
			if combined.Error == "" {
				combined.Error = one.Error
			}
		}
		combined.Projects = append(combined.Projects, project)
	}
	return combined, nil
}

func adaptOne(raw []byte) audit.Result {
	out := audit.Result{
		Success: gjson.GetBytes(raw, "success").Bool(),
		Error:   gjson.GetBytes(raw, "error").String(),
	}

	if name := gjson.GetBytes(raw, "contractName"); name.Exists() {
		value := name.String()
		out.ContractName = &value
	}
	if id := gjson.GetBytes(raw, "analysisId"); id.Exists() {
		value := id.String()
		out.AnalysisID = &value
	}

	results := gjson.GetBytes(raw, "results")
	if !results.Exists() {
		return out
	}

	findings := &audit.Findings{
		Summary:   summaryFrom(results.Get("summary")),
		ProjectID: results.Get("projectId").String(),
	}
	if rawOutput := results.Get("rawOutput"); rawOutput.Exists() {
		findings.RawOutput = json.RawMessage(rawOutput.Raw)
	}
	out.Findings = findings
	return out
}

func summaryFrom(node gjson.Result) audit.FindingSummary {
	return audit.FindingSummary{
		Critical:      int(node.Get("critical").Int()),
		Major:         int(node.Get("major").Int()),
		Medium:        int(node.Get("medium").Int()),
		Minor:         int(node.Get("minor").Int()),
		Informational: int(node.Get("informational").Int()),
	}
}
