// Package onnxport exports a pretrained causal language model from the HuggingFace Hub to a self-contained
// ONNX file with a single input_ids input, a logits output and dynamic batch and sequence axes.
package onnxport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/phuslu/log"

	"github.com/knights-analytics/onnxport/backends"
	"github.com/knights-analytics/onnxport/checker"
	"github.com/knights-analytics/onnxport/export"
	"github.com/knights-analytics/onnxport/metrics"
	"github.com/knights-analytics/onnxport/options"
	"github.com/knights-analytics/onnxport/util/fileutil"
)

// State is the progress of a conversion. It only moves forward.
type State int

const (
	StatePending State = iota
	StateExported
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateExported:
		return "exported"
	case StateVerified:
		return "verified"
	default:
		return "pending"
	}
}

// Converter runs a single export of the configured model.
type Converter struct {
	// Out receives the confirmation lines, stdout by default.
	Out      io.Writer
	Download DownloadOptions
	Metrics  *metrics.Recorder

	options *options.Options
	model   *backends.Model
	trace   *backends.TraceResult
	state   State
}

// NewConverter applies opts on top of options.Defaults.
func NewConverter(opts ...options.WithOption) (*Converter, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	if err := parsedOptions.Validate(); err != nil {
		return nil, err
	}

	download := NewDownloadOptions()
	download.AuthToken = parsedOptions.AuthToken
	download.OnnxFilePath = parsedOptions.OnnxFilePath

	return &Converter{
		Out:      os.Stdout,
		Download: download,
		Metrics:  metrics.NewRecorder(),
		options:  parsedOptions,
	}, nil
}

func (c *Converter) Options() *options.Options {
	return c.options
}

func (c *Converter) State() State {
	return c.state
}

// Trace returns the record of the source graph execution, nil before the trace step ran.
func (c *Converter) Trace() *backends.TraceResult {
	return c.trace
}

// Convert acquires, synthesizes, traces, exports and verifies, strictly in that order.
// It returns the path of the exported file.
func (c *Converter) Convert(ctx context.Context) (string, error) {
	if c.state != StatePending {
		return "", fmt.Errorf("converter is already %s", c.state)
	}
	o := c.options

	var err error
	var input *backends.TraceInput
	var exported *onnx.ModelProto

	if err = c.step("acquire", func() error {
		return c.acquire(ctx)
	}); err != nil {
		return "", err
	}

	if err = c.step("synthesize", func() error {
		seed := o.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		input, err = backends.NewTraceInput(c.model, o.BatchSize, o.SequenceLength, seed)
		if err != nil {
			return err
		}
		c.Metrics.VocabSize.Set(float64(input.VocabBound))
		log.Info().Str("input", input.Tokens.Name).Str("shape", input.Tokens.Shape.String()).Int("vocab_bound", input.VocabBound).Uint64("seed", seed).Int("auxiliary_inputs", len(input.Auxiliary)).Msg("synthetic input ready")
		return nil
	}); err != nil {
		return "", err
	}

	if err = c.step("trace", func() error {
		c.trace, err = backends.Trace(ctx, c.model, input, o)
		if err != nil {
			return err
		}
		log.Info().Str("backend", c.trace.Backend).Str("output", c.trace.PrimaryOutput.Name).Str("shape", c.trace.PrimaryOutput.Shape.String()).Dur("duration", c.trace.Duration).Msg("trace completed")
		return nil
	}); err != nil {
		return "", err
	}

	if err = c.step("export", func() error {
		exported, err = export.Export(c.model.Proto, c.exportSpec())
		if err != nil {
			return err
		}
		size, writeErr := export.Write(ctx, o.OutputPath, exported)
		if writeErr != nil {
			return writeErr
		}
		c.Metrics.ArtifactBytes.Set(float64(size))
		return c.copyExternalData(ctx, exported)
	}); err != nil {
		return "", err
	}
	c.state = StateExported
	if _, err = fmt.Fprintf(c.Out, "Exported %s to %s\n", o.ModelName, o.OutputPath); err != nil {
		return "", err
	}

	if err = c.step("verify", func() error {
		_, verifyErr := checker.VerifyFile(ctx, o.OutputPath, c.contract())
		return verifyErr
	}); err != nil {
		return "", err
	}
	c.state = StateVerified
	if _, err = fmt.Fprintf(c.Out, "Verified %s: ONNX structure is valid\n", o.OutputPath); err != nil {
		return "", err
	}
	return o.OutputPath, nil
}

func (c *Converter) step(name string, fn func() error) error {
	start := time.Now()
	log.Debug().Str("step", name).Msg("step started")
	err := fn()
	c.Metrics.ObserveStep(name, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Debug().Str("step", name).Dur("duration", time.Since(start)).Msg("step completed")
	return nil
}

func (c *Converter) acquire(ctx context.Context) error {
	o := c.options
	modelPath, err := ResolveModel(ctx, o.ModelName, o.ModelsDir, c.Download)
	if err != nil {
		return err
	}
	model, err := backends.LoadModel(modelPath, o.OnnxFilePath, o)
	if err != nil {
		return err
	}
	c.model = model
	if model.Tokenizer != nil {
		log.Info().Str("runtime", model.Tokenizer.Runtime).Int("vocab_size", model.Tokenizer.VocabSize).Msg("tokenizer loaded")
	}
	log.Info().Str("model", o.ModelName).Str("onnx", model.OnnxPath).Int("inputs", len(model.InputsMeta)).Int("outputs", len(model.OutputsMeta)).Msg("model loaded")
	return nil
}

func (c *Converter) exportSpec() export.Spec {
	o := c.options.Export
	input := c.trace.Input
	metadata := map[string]string{
		"source_model":  c.options.ModelName,
		"trace_backend": c.trace.Backend,
		"vocab_size":    strconv.Itoa(input.VocabBound),
		"trace_seed":    strconv.FormatUint(input.Seed, 10),
		"trace_shape":   input.Tokens.Shape.String(),
	}
	if cfg := c.model.Config; cfg != nil {
		if cfg.ModelType != "" {
			metadata["model_type"] = cfg.ModelType
		}
		if len(cfg.EosTokenIDs) > 0 {
			ids := make([]string, len(cfg.EosTokenIDs))
			for i, id := range cfg.EosTokenIDs {
				ids[i] = strconv.FormatInt(id, 10)
			}
			metadata["eos_token_id"] = strings.Join(ids, ",")
		}
		if cfg.PadTokenID != nil {
			metadata["pad_token_id"] = strconv.FormatInt(*cfg.PadTokenID, 10)
		}
	}
	return export.Spec{
		InputName:       o.InputName,
		OutputName:      o.OutputName,
		BatchAxis:       o.BatchAxis,
		SequenceAxis:    o.SequenceAxis,
		TokenInput:      input.Tokens.Name,
		PrimaryOutput:   c.trace.PrimaryOutput.Name,
		Auxiliary:       input.AuxiliaryRoles(),
		OutputShape:     c.trace.PrimaryOutput.Shape,
		ProducerName:    o.ProducerName,
		ProducerVersion: o.ProducerVersion,
		DocString:       fmt.Sprintf("%s exported by %s", c.options.ModelName, o.ProducerName),
		Metadata:        metadata,
	}
}

func (c *Converter) contract() checker.Contract {
	o := c.options.Export
	return checker.Contract{
		InputName:    o.InputName,
		OutputName:   o.OutputName,
		BatchAxis:    o.BatchAxis,
		SequenceAxis: o.SequenceAxis,
	}
}

// copyExternalData places the external weight files next to the exported graph, which refers to them by relative path.
func (c *Converter) copyExternalData(ctx context.Context, model *onnx.ModelProto) error {
	outputDir := fileutil.Dir(c.options.OutputPath)
	sourceDir := fileutil.Dir(c.model.OnnxPath)
	for _, location := range export.ExternalDataLocations(model) {
		from := fileutil.PathJoinSafe(sourceDir, location)
		to := fileutil.PathJoinSafe(outputDir, location)
		if from == to {
			continue
		}
		if err := fileutil.CopyFile(ctx, from, to); err != nil {
			return fmt.Errorf("failed to copy external data %s: %w", location, err)
		}
	}
	return nil
}

// Destroy releases the loaded model and its tokenizer.
func (c *Converter) Destroy() error {
	var err error
	if c.model != nil && c.model.Destroy != nil {
		err = c.model.Destroy()
	}
	c.model = nil
	return errors.Join(err, c.options.Destroy())
}
