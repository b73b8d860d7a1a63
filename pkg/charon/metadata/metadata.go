// Package metadata loads and writes the `.charon.json` sidecar that
// describes a workflow folder: its workflow file name, description,
// dependencies, tags, and UI parameter bindings.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

const (
	// FileName is the sidecar file name read from and written to every
	// workflow folder.
	FileName = ".charon.json"

	defaultWorkflowFile = "workflow.json"

	errReadMetadata  = "cannot read metadata file"
	errMarshal       = "cannot marshal metadata"
	errWriteMetadata = "cannot write metadata file"

	// hostTagBackground is the host tag used for workers that are not the
	// interactive/main host; run_on_main metadata conflicts with it.
	hostTagBackground = "background"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Dependency is a single custom-node repository dependency declared by a
// workflow folder.
type Dependency struct {
	Name string `json:"name,omitempty"`
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
}

// Parameter is a UI-exposed binding from a workflow node attribute to a
// launcher control.
type Parameter struct {
	NodeID    string   `json:"node_id"`
	Attribute string   `json:"attribute"`
	Label     string   `json:"label,omitempty"`
	Type      string   `json:"type,omitempty"`
	Default   any      `json:"default,omitempty"`
	NodeName  string   `json:"node_name,omitempty"`
	Choices   []string `json:"choices,omitempty"`
}

// Metadata is the normalized `.charon.json` schema.
type Metadata struct {
	WorkflowFile      string       `json:"workflow_file"`
	Description       string       `json:"description,omitempty"`
	MinVRAMGB         string       `json:"min_vram_gb,omitempty"`
	Dependencies      []Dependency `json:"dependencies,omitempty"`
	LastChanged       string       `json:"last_changed,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	Parameters        []Parameter  `json:"parameters,omitempty"`
	IsTexturingStep   bool         `json:"is_3d_texturing,omitempty"`
	IsTexturingStep2  bool         `json:"is_3d_texturing_step2,omitempty"`
	RunOnMain         bool         `json:"run_on_main,omitempty"`
}

// rawMetadata mirrors the on-disk shape before dependency/VRAM
// normalization, since both fields accept more than one JSON shape.
type rawMetadata struct {
	WorkflowFile     string          `json:"workflow_file"`
	Description      string          `json:"description"`
	MinVRAMGB        json.RawMessage `json:"min_vram_gb"`
	Dependencies     json.RawMessage `json:"dependencies"`
	LastChanged      string          `json:"last_changed"`
	Tags             []string        `json:"tags"`
	Parameters       []rawParameter  `json:"parameters"`
	IsTexturingStep  bool            `json:"is_3d_texturing"`
	IsTexturingStep2 bool            `json:"is_3d_texturing_step2"`
	RunOnMain        bool            `json:"run_on_main"`
}

type rawParameter struct {
	NodeID    string   `json:"node_id"`
	Attribute string   `json:"attribute"`
	Label     string   `json:"label"`
	Type      string   `json:"type"`
	Default   any      `json:"default"`
	NodeName  string   `json:"node_name"`
	Choices   []string `json:"choices"`
}

// Load reads and normalizes the `.charon.json` file under folder. A missing
// file or a parse failure both return (nil, nil): the folder stays
// browseable with no metadata, per the original's "never raise" parse-error
// policy.
func Load(fs afero.Fs, folder string) (*Metadata, error) {
	p := path.Join(folder, FileName)

	raw, err := afero.ReadFile(fs, p)
	if err != nil {
		return nil, nil //nolint:nilerr // absent metadata is not an error
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)

	var rm rawMetadata
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, nil //nolint:nilerr // malformed metadata is not an error
	}

	m := &Metadata{
		WorkflowFile:     rm.WorkflowFile,
		Description:      rm.Description,
		LastChanged:      rm.LastChanged,
		Tags:             rm.Tags,
		IsTexturingStep:  rm.IsTexturingStep,
		IsTexturingStep2: rm.IsTexturingStep2,
		RunOnMain:        rm.RunOnMain,
	}
	if m.WorkflowFile == "" {
		m.WorkflowFile = defaultWorkflowFile
	}
	m.MinVRAMGB = normalizeVRAM(rm.MinVRAMGB)
	m.Dependencies = normalizeDependencies(rm.Dependencies)
	for _, p := range rm.Parameters {
		m.Parameters = append(m.Parameters, normalizeParameter(p))
	}

	return m, nil
}

// Write serializes m back to `.charon.json` under folder.
func Write(fs afero.Fs, folder string, m *Metadata) error {
	if m.WorkflowFile == "" {
		m.WorkflowFile = defaultWorkflowFile
	}

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, errMarshal)
	}

	p := path.Join(folder, FileName)
	if err := afero.WriteFile(fs, p, out, 0o644); err != nil {
		return errors.Wrap(err, errWriteMetadata)
	}
	return nil
}

// IsCompatibleWithHost reports whether a folder described by m is relevant
// for host. A nil metadata or an empty host is universally compatible;
// otherwise, a folder is compatible unless it declares RunOnMain and host
// is the background worker tag.
//
// The original predicate's body (utilities.is_compatible_with_host) is not
// present in the retrieved source; this is reconstructed from its call
// sites (see DESIGN.md Open Question decisions).
func IsCompatibleWithHost(m *Metadata, host string) bool {
	if m == nil || host == "" {
		return true
	}
	if m.RunOnMain && strings.EqualFold(host, hostTagBackground) {
		return false
	}
	return true
}

func normalizeVRAM(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatFloat(asNumber, 'f', -1, 64)
	}
	return ""
}

func normalizeDependencies(raw json.RawMessage) []Dependency {
	if len(raw) == 0 {
		return nil
	}

	// Try list-of-objects form first.
	var objs []Dependency
	if err := json.Unmarshal(raw, &objs); err == nil {
		for i := range objs {
			objs[i] = backfillDependencyName(objs[i])
		}
		return objs
	}

	// Fall back to list-of-URL-strings form.
	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil {
		deps := make([]Dependency, 0, len(urls))
		for _, u := range urls {
			deps = append(deps, backfillDependencyName(Dependency{Repo: u}))
		}
		return deps
	}

	return nil
}

// backfillDependencyName derives Name from the last path component of Repo
// (stripping a trailing ".git") when Name is empty.
func backfillDependencyName(d Dependency) Dependency {
	if d.Name != "" {
		return d
	}
	u, err := url.Parse(d.Repo)
	if err != nil {
		return d
	}
	segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	d.Name = strings.TrimSuffix(last, ".git")
	return d
}

func normalizeParameter(p rawParameter) Parameter {
	out := Parameter{
		NodeID:    p.NodeID,
		Attribute: p.Attribute,
		Label:     p.Label,
		Type:      p.Type,
		Default:   p.Default,
		NodeName:  p.NodeName,
		Choices:   p.Choices,
	}
	if out.Label == "" {
		out.Label = out.Attribute
	}
	if out.Type == "" {
		out.Type = "string"
	}
	return out
}

// Validate returns an error describing why a parameter is malformed: both
// NodeID and Attribute are required.
func (p Parameter) Validate() error {
	if p.NodeID == "" || p.Attribute == "" {
		return fmt.Errorf("parameter requires both node_id and attribute, got node_id=%q attribute=%q", p.NodeID, p.Attribute)
	}
	return nil
}
