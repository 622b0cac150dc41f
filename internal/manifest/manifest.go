// Package manifest holds the static tables describing what the bundler
// downloads and installs: artifact sources, pip packages, and the
// whisper model selection. Versions live here so that bumping one is a
// config change, not a code change.
package manifest

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind classifies an artifact.
type Kind string

const (
	KindRuntime Kind = "runtime"
	KindModel   Kind = "model"
	KindBundle  Kind = "bundle"
)

// WhisperModelEnv selects the whisper model size. Unset means
// DefaultWhisperModel.
const WhisperModelEnv = "XSCRIBE_WHISPER_MODEL"

// DefaultWhisperModel is used when no override is present.
const DefaultWhisperModel = "small"

// Artifact describes one downloadable artifact. The URL template may
// reference {version}, {token} (the upstream target triple), {platform}
// and {model}; the resolver expands them.
type Artifact struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	Version  string `yaml:"version"`
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
	Archive  bool   `yaml:"archive"`
	Optional bool   `yaml:"optional"`
}

// Package is a pip package with a pinned version.
type Package struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Spec returns the pip requirement specifier, e.g. "whisperx==3.1.5".
func (p Package) Spec() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "==" + p.Version
}

// Manifest is the full artifact/package table for one bundler run.
type Manifest struct {
	Artifacts    []Artifact `yaml:"artifacts"`
	Packages     []Package  `yaml:"packages"`
	WhisperModel string     `yaml:"whisper_model"`
}

// Default returns the built-in manifest.
func Default() *Manifest {
	return &Manifest{
		Artifacts: []Artifact{
			{
				Name:     "python-runtime",
				Kind:     KindRuntime,
				Version:  "20250106",
				URL:      "https://github.com/astral-sh/python-build-standalone/releases/download/{version}/cpython-3.12.8+{version}-{token}-install_only.tar.gz",
				Filename: "cpython-{version}-{platform}.tar.gz",
				Archive:  true,
			},
			{
				Name:     "segmentation-model",
				Kind:     KindModel,
				Version:  "3.0",
				URL:      "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-segmentation-models/sherpa-onnx-pyannote-segmentation-3-0.tar.gz",
				Filename: "sherpa-onnx-pyannote-segmentation-3-0.tar.gz",
				Archive:  true,
				Optional: true,
			},
			{
				Name:     "embedding-model",
				Kind:     KindModel,
				Version:  "200k",
				URL:      "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recognition-models/3dspeaker_speech_eres2net_base_200k_sv_zh-cn_16k-common.onnx",
				Filename: "3dspeaker_speech_eres2net_base_200k_sv_zh-cn_16k-common.onnx",
				Optional: true,
			},
			{
				Name:     "whisper-model",
				Kind:     KindModel,
				Version:  "main",
				URL:      "https://huggingface.co/Systran/faster-whisper-{model}/resolve/{version}/model.bin",
				Filename: "whisper-{model}.bin",
				Optional: true,
			},
		},
		Packages: []Package{
			{Name: "whisperx", Version: "3.1.5"},
			{Name: "sherpa-onnx", Version: "1.10.30"},
			{Name: "numpy", Version: "1.26.4"},
			{Name: "pandas", Version: "2.2.2"},
		},
		WhisperModel: DefaultWhisperModel,
	}
}

// Load returns the default manifest with overrides from path merged in.
// An empty path returns the defaults. Unknown YAML keys are rejected so
// a typo in an override file fails loudly.
func Load(path string) (*Manifest, error) {
	m := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		var override Manifest
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&override); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
		m.merge(&override)
	}
	if size := os.Getenv(WhisperModelEnv); size != "" {
		m.WhisperModel = size
	}
	return m, nil
}

// Artifact looks up an artifact by name.
func (m *Manifest) Artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// ByKind returns all artifacts of the given kind, in manifest order.
func (m *Manifest) ByKind(kind Kind) []Artifact {
	var out []Artifact
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// merge overlays non-empty override fields. Artifacts replace by name;
// unknown names are appended.
func (m *Manifest) merge(o *Manifest) {
	for _, oa := range o.Artifacts {
		replaced := false
		for i, a := range m.Artifacts {
			if a.Name == oa.Name {
				m.Artifacts[i] = oa
				replaced = true
				break
			}
		}
		if !replaced {
			m.Artifacts = append(m.Artifacts, oa)
		}
	}
	if len(o.Packages) > 0 {
		m.Packages = o.Packages
	}
	if o.WhisperModel != "" {
		m.WhisperModel = o.WhisperModel
	}
}
