package output

import (
	"io"
	"path/filepath"

	"github.com/youruser/gptool/internal/annotations"
)

const (
	sarifSchema  = "https://json.schemastore.org/sarif-2.1.0.json"
	sarifVersion = "2.1.0"
)

type sarifLog struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name           string `json:"name"`
	InformationURI string `json:"informationUri,omitempty"`
}

type sarifResult struct {
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysical `json:"physicalLocation"`
}

type sarifPhysical struct {
	ArtifactLocation sarifArtifact `json:"artifactLocation"`
	Region           sarifRegion   `json:"region"`
}

type sarifArtifact struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// SARIF writes diags as a single-run SARIF 2.1.0 log.
func SARIF(w io.Writer, tool string, diags []annotations.Diagnostic) error {
	if tool == "" {
		tool = "gptool"
	}
	run := sarifRun{
		Tool:    sarifTool{Driver: sarifDriver{Name: tool}},
		Results: make([]sarifResult, 0, len(diags)),
	}
	for _, d := range diags {
		run.Results = append(run.Results, sarifResult{
			Level:   sarifLevel(d.Severity),
			Message: sarifMessage{Text: d.Message},
			Locations: []sarifLocation{{PhysicalLocation: sarifPhysical{
				ArtifactLocation: sarifArtifact{URI: filepath.ToSlash(d.Filename)},
				Region:           sarifRegion{StartLine: d.StartLine() + 1, EndLine: d.EndLine() + 1},
			}}},
		})
	}
	return writeJSON(w, sarifLog{Schema: sarifSchema, Version: sarifVersion, Runs: []sarifRun{run}})
}

func sarifLevel(s annotations.Severity) string {
	switch s {
	case annotations.Error:
		return "error"
	case annotations.Warning:
		return "warning"
	}
	return "note"
}
