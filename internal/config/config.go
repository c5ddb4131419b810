// Package config parses the workflow configuration document and resolves
// per-stage settings through the defaults -> phase -> stage cascade.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/workflow"
)

// StageOverride carries the configurable fields at any cascade layer.
// Pointer fields distinguish "explicitly set" from "inherit"; a later layer
// overrides only the fields it sets.
type StageOverride struct {
	// AIProvider is the AI provider key, used only for RESPONSE stages.
	AIProvider *string `yaml:"ai_provider,omitempty"`
	// ApprovalProvider is the approver key: skip, manual, a registered
	// approval provider, or an AI provider key (wrapped as approver).
	ApprovalProvider *string `yaml:"approval_provider,omitempty"`
	// ApprovalMaxRetries caps consecutive auto-retries on REJECTED. Only
	// meaningful for AI approvers; manual always pends, skip always approves.
	ApprovalMaxRetries *int `yaml:"approval_max_retries,omitempty"`
	// ApprovalAllowRewrite lets the approver return suggested content.
	ApprovalAllowRewrite *bool `yaml:"approval_allow_rewrite,omitempty"`
	// ApproverConfig is passed to the approval provider opaquely. Setting
	// it replaces the inherited map wholesale.
	ApproverConfig map[string]any `yaml:"approver_config,omitempty"`
}

// PhaseConfig is one phase's node: phase-level overrides inline, plus
// optional per-stage overrides.
type PhaseConfig struct {
	StageOverride `yaml:",inline"`

	Prompt   *StageOverride `yaml:"prompt,omitempty"`
	Response *StageOverride `yaml:"response,omitempty"`
}

// Workflow is the parsed workflow configuration.
type Workflow struct {
	Defaults    StageOverride `yaml:"defaults"`
	HashPrompts bool          `yaml:"hash_prompts,omitempty"`

	Plan     *PhaseConfig `yaml:"plan,omitempty"`
	Generate *PhaseConfig `yaml:"generate,omitempty"`
	Review   *PhaseConfig `yaml:"review,omitempty"`
	Revise   *PhaseConfig `yaml:"revise,omitempty"`
}

// Document is the top-level config file shape.
type Document struct {
	Workflow Workflow `yaml:"workflow"`
}

// StageConfig is the fully resolved configuration for one (phase, stage).
type StageConfig struct {
	AIProvider           string
	ApprovalProvider     string
	ApprovalMaxRetries   int
	ApprovalAllowRewrite bool
	ApproverConfig       map[string]any
}

// Parse decodes a workflow config document. Unknown fields anywhere in the
// document are errors; schema drift fails loudly at load time.
func Parse(data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, ferrors.ConfigInvalid(fmt.Sprintf("parse workflow config: %v", err))
	}
	return &doc.Workflow, nil
}

// Load reads and parses a workflow config file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.ConfigInvalid(fmt.Sprintf("read workflow config %s: %v", path, err))
	}
	return Parse(data)
}

// DefaultPaths returns the workflow config search order: project config
// first, then the user's.
func DefaultPaths() []string {
	paths := []string{
		filepath.Join(".forge", "workflow.yaml"),
		"forge.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".forge", "workflow.yaml"))
	}
	return paths
}

// phaseNode returns the config node for an active phase, or nil.
func (w *Workflow) phaseNode(phase workflow.Phase) *PhaseConfig {
	switch phase {
	case workflow.PhasePlan:
		return w.Plan
	case workflow.PhaseGenerate:
		return w.Generate
	case workflow.PhaseReview:
		return w.Review
	case workflow.PhaseRevise:
		return w.Revise
	default:
		return nil
	}
}

// Resolve computes the effective StageConfig for a (phase, stage) pair by
// layering defaults, then the phase node, then the stage node. Each layer
// overrides only explicitly set fields; layering of disjoint overrides is
// order-independent.
func (w *Workflow) Resolve(phase workflow.Phase, stage workflow.Stage) StageConfig {
	cfg := StageConfig{
		ApprovalProvider: "manual",
	}

	cfg.apply(&w.Defaults)
	if node := w.phaseNode(phase); node != nil {
		cfg.apply(&node.StageOverride)
		switch stage {
		case workflow.StagePrompt:
			if node.Prompt != nil {
				cfg.apply(node.Prompt)
			}
		case workflow.StageResponse:
			if node.Response != nil {
				cfg.apply(node.Response)
			}
		}
	}
	return cfg
}

func (c *StageConfig) apply(ov *StageOverride) {
	if ov.AIProvider != nil {
		c.AIProvider = *ov.AIProvider
	}
	if ov.ApprovalProvider != nil {
		c.ApprovalProvider = *ov.ApprovalProvider
	}
	if ov.ApprovalMaxRetries != nil {
		c.ApprovalMaxRetries = *ov.ApprovalMaxRetries
	}
	if ov.ApprovalAllowRewrite != nil {
		c.ApprovalAllowRewrite = *ov.ApprovalAllowRewrite
	}
	if ov.ApproverConfig != nil {
		c.ApproverConfig = ov.ApproverConfig
	}
}
