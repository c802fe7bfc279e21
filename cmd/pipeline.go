package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const pipelineSteps = "c=capture, e=export"

// executePipeline runs the pipeline steps that follow startStep on the
// capture called name.
func executePipeline(cmd *cobra.Command, name string, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	svc, err := newService(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, step := range steps[startIndex+1:] {
		fmt.Fprintf(out, "Pipeline: executing step '%c'...\n", step)

		switch step {
		case 'c':
			return fmt.Errorf("pipeline step 'c' can only start a pipeline")
		case 'e':
			res, err := svc.Export(name)
			if err != nil {
				return fmt.Errorf("pipeline export failed: %w", err)
			}
			fmt.Fprintf(out, "Pipeline: exported %s\n", res.Output)
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: %s)", step, pipelineSteps)
		}
	}

	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'c': true, // capture
		'e': true, // export
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: %s)", step, pipelineSteps)
		}
	}

	return nil
}
