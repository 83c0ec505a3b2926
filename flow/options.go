package flow

import (
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

// Options configure the pipeline. Use DefaultOptions and override what's needed, or load them
// from an HCL file with LoadOptionsFile:
//
//	pipeline {
//	  constant_size_threshold = 1024
//	  parallelism             = 4
//	  fail_fast               = false
//	  fold_regions            = true
//	  rematerialize_constants = true
//	  deduplicate_executables = true
//	  max_fold_iterations     = 16
//	}
type Options struct {
	// ConstantSizeThreshold is the largest constant, in bytes, cloned into the regions using it.
	ConstantSizeThreshold int `hcl:"constant_size_threshold,optional"`

	// Parallelism bounds the number of functions processed concurrently by function passes.
	Parallelism int `hcl:"parallelism,optional"`

	// FailFast stops the pipeline at the first failing function. Otherwise the failing function
	// is left unmodified by the pass, and the remaining functions are processed.
	FailFast bool `hcl:"fail_fast,optional"`

	FoldRegions            bool `hcl:"fold_regions,optional"`
	RematerializeConstants bool `hcl:"rematerialize_constants,optional"`
	DeduplicateExecutables bool `hcl:"deduplicate_executables,optional"`

	// MaxFoldIterations bounds the fold/rematerialize fixed point. 0 means no bound.
	MaxFoldIterations int `hcl:"max_fold_iterations,optional"`

	// RecomputeStaleAnalysis makes the pass manager rebuild the dispatchability analysis before a
	// pass that needs it, if any function changed. Otherwise reading it fails with ErrStaleAnalysis.
	RecomputeStaleAnalysis bool `hcl:"recompute_stale_analysis,optional"`

	// VerifyEach verifies the module after every pass.
	VerifyEach bool `hcl:"verify_each,optional"`
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		ConstantSizeThreshold:  DefaultConstantSizeThreshold,
		Parallelism:            runtime.NumCPU(),
		FoldRegions:            true,
		RematerializeConstants: true,
		DeduplicateExecutables: true,
		MaxFoldIterations:      16,
		RecomputeStaleAnalysis: true,
	}
}

// Validate checks the options values.
func (o Options) Validate() error {
	if o.ConstantSizeThreshold < 0 {
		return errors.Errorf("constant_size_threshold must be >= 0, got %d", o.ConstantSizeThreshold)
	}
	if o.Parallelism < 1 {
		return errors.Errorf("parallelism must be >= 1, got %d", o.Parallelism)
	}
	if o.MaxFoldIterations < 0 {
		return errors.Errorf("max_fold_iterations must be >= 0, got %d", o.MaxFoldIterations)
	}
	return nil
}

var optionsFileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "pipeline"}},
}

// ParseOptions decodes options from HCL source. Attributes not present keep their default value.
// filename is only used in error messages.
func ParseOptions(src []byte, filename string) (Options, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Options{}, errors.Wrapf(diags, "failed to parse options file %s", filename)
	}
	return decodeOptions(file, filename)
}

// LoadOptionsFile reads and decodes an HCL options file.
func LoadOptionsFile(path string) (Options, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Options{}, errors.Wrapf(diags, "failed to parse options file %s", path)
	}
	return decodeOptions(file, path)
}

func decodeOptions(file *hcl.File, filename string) (Options, error) {
	opts := DefaultOptions()
	content, diags := file.Body.Content(optionsFileSchema)
	if diags.HasErrors() {
		return Options{}, errors.Wrapf(diags, "failed to decode options file %s", filename)
	}
	blocks := content.Blocks.OfType("pipeline")
	if len(blocks) > 1 {
		return Options{}, errors.Errorf("options file %s: duplicate pipeline block at %s", filename, blocks[1].DefRange)
	}
	if len(blocks) == 1 {
		diags = gohcl.DecodeBody(blocks[0].Body, nil, &opts)
		if diags.HasErrors() {
			return Options{}, errors.Wrapf(diags, "failed to decode options file %s", filename)
		}
	}
	if err := opts.Validate(); err != nil {
		return Options{}, errors.WithMessagef(err, "options file %s", filename)
	}
	return opts, nil
}
