// Package catalog maps model identifiers to the environment spec and
// artifact manifests they require. The catalog is the collaborator boundary:
// the orchestrator core never decides what a model needs, it only asks.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"visiond/pkg/types"
)

// Artifact is one downloadable payload of an environment: the interpreter
// runtime or a framework package archive.
type Artifact struct {
	// Mirror URLs in fallback order.
	Mirrors []string `yaml:"mirrors"`
	// Destination path relative to the artifact cache.
	Destination string `yaml:"destination"`
	// Optional hex sha256 of the artifact.
	SHA256 string `yaml:"sha256,omitempty"`
}

// Model is one catalog entry.
type Model struct {
	ID   string `yaml:"-"`
	Name string `yaml:"name"`
	// Runner argv relative to the environment root; the worker process.
	Runner []string `yaml:"runner"`
	// Concurrency the worker supports; 1 means calls serialize.
	Concurrency int `yaml:"concurrency,omitempty"`
	// Environment the model requires.
	Spec types.EnvironmentSpec `yaml:"spec"`
	// Artifacts needed to materialize the environment.
	Artifacts []Artifact `yaml:"artifacts"`
}

// Catalog resolves model ids. Immutable after construction.
type Catalog struct {
	models map[string]Model
}

type catalogFile struct {
	Models map[string]Model `yaml:"models"`
}

// Load reads a catalog YAML file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("catalog %s defines no models", path)
	}
	c := &Catalog{models: make(map[string]Model, len(cf.Models))}
	for id, m := range cf.Models {
		m.ID = id
		if err := validate(m); err != nil {
			return nil, fmt.Errorf("catalog model %s: %w", id, err)
		}
		c.models[id] = m
	}
	return c, nil
}

func validate(m Model) error {
	if strings.TrimSpace(m.Spec.Backend) == "" {
		return fmt.Errorf("missing spec.backend")
	}
	if strings.TrimSpace(m.Spec.RuntimeVersion) == "" {
		return fmt.Errorf("missing spec.runtime_version")
	}
	if len(m.Runner) == 0 {
		return fmt.Errorf("missing runner")
	}
	for i, a := range m.Artifacts {
		if len(a.Mirrors) == 0 {
			return fmt.Errorf("artifact %d has no mirrors", i)
		}
		if strings.TrimSpace(a.Destination) == "" {
			return fmt.Errorf("artifact %d has no destination", i)
		}
	}
	return nil
}

// Get returns the model for id.
func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// List returns all models ordered by id.
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Defaults returns the built-in catalog used when no catalog file is
// configured: the stock detection backends with global and regional mirror
// pairs for each artifact.
func Defaults() *Catalog {
	models := map[string]Model{
		"yolov5": {
			Name:        "YOLOv5 (CUDA)",
			Runner:      []string{"bin/python", "runner/yolov5_detect.py"},
			Concurrency: 1,
			Spec: types.EnvironmentSpec{
				Backend:        "torch",
				RuntimeVersion: "3.8",
				HardwareClass:  "cuda",
				Dependencies: []types.Dependency{
					{Name: "torch", VersionConstraint: "==1.10.0+cu113"},
					{Name: "torchvision", VersionConstraint: "==0.11.1+cu113"},
				},
			},
			Artifacts: []Artifact{
				runtimeArtifact("3.8.10"),
				packageArtifact("torch-1.10.0+cu113"),
			},
		},
		"yolov8": {
			Name:        "YOLOv8 (ROCm)",
			Runner:      []string{"bin/python", "runner/yolov8_detect.py"},
			Concurrency: 1,
			Spec: types.EnvironmentSpec{
				Backend:        "torch",
				RuntimeVersion: "3.9",
				HardwareClass:  "rocm",
				Dependencies: []types.Dependency{
					{Name: "torch", VersionConstraint: "==2.0.0+rocm5.6"},
					{Name: "ultralytics", VersionConstraint: "==8.0.120"},
				},
			},
			Artifacts: []Artifact{
				runtimeArtifact("3.9.13"),
				packageArtifact("torch-2.0.0+rocm5.6"),
			},
		},
		"ppyolo": {
			Name:        "PP-YOLO (XPU)",
			Runner:      []string{"bin/python", "runner/ppyolo_detect.py"},
			Concurrency: 1,
			Spec: types.EnvironmentSpec{
				Backend:        "paddle",
				RuntimeVersion: "3.10",
				HardwareClass:  "xpu",
				Dependencies: []types.Dependency{
					{Name: "paddlepaddle", VersionConstraint: "==2.4.2"},
					{Name: "paddledet", VersionConstraint: ""},
				},
			},
			Artifacts: []Artifact{
				runtimeArtifact("3.10.6"),
				packageArtifact("paddlepaddle-2.4.2"),
			},
		},
		"yolov8-cpu": {
			Name:        "YOLOv8 (ONNX, CPU)",
			Runner:      []string{"bin/python", "runner/yolov8_detect.py"},
			Concurrency: 2,
			Spec: types.EnvironmentSpec{
				Backend:        "onnx",
				RuntimeVersion: "3.10",
				HardwareClass:  "cpu",
				Dependencies: []types.Dependency{
					{Name: "onnxruntime", VersionConstraint: ">=1.15"},
				},
			},
			Artifacts: []Artifact{
				runtimeArtifact("3.10.6"),
				packageArtifact("onnxruntime-1.15"),
			},
		},
	}
	c := &Catalog{models: make(map[string]Model, len(models))}
	for id, m := range models {
		m.ID = id
		c.models[id] = m
	}
	return c
}

func runtimeArtifact(version string) Artifact {
	return Artifact{
		Mirrors: []string{
			"https://www.python.org/ftp/python/" + version + "/Python-" + version + ".tgz",
			"https://registry.npmmirror.com/-/binary/python/" + version + "/Python-" + version + ".tgz",
		},
		Destination: "runtimes/python-" + version + ".tgz",
	}
}

func packageArtifact(id string) Artifact {
	return Artifact{
		Mirrors: []string{
			"https://artifacts.visiond.dev/packages/" + id + ".tgz",
			"https://mirrors.aliyun.com/visiond/packages/" + id + ".tgz",
		},
		Destination: "packages/" + id + ".tgz",
	}
}
