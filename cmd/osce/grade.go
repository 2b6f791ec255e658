package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"osce/pkg/grading"
	"osce/pkg/webui"
)

// gradeInput is the file format accepted by "osce grade". Messages take precedence over
// a preformatted transcript.
type gradeInput struct {
	Diagnosis             *string        `json:"diagnosis"`
	DifferentialDiagnosis *string        `json:"differential_diagnosis"`
	TreatmentPlan         *string        `json:"treatment_plan"`
	Transcript            string         `json:"transcript"`
	Messages              []grading.Turn `json:"messages"`
}

func (in gradeInput) submission() grading.Submission {
	transcript := in.Transcript
	if len(in.Messages) > 0 {
		transcript = grading.FormatTranscript(in.Messages)
	}
	return grading.Submission{
		Transcript:            transcript,
		Diagnosis:             submitted(in.Diagnosis),
		DifferentialDiagnosis: submitted(in.DifferentialDiagnosis),
		TreatmentPlan:         submitted(in.TreatmentPlan),
	}
}

func submitted(v *string) string {
	if v == nil {
		return webui.NotSubmitted
	}
	return *v
}

func readGradeInput(path string) (gradeInput, error) {
	var in gradeInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return in, nil
}

func runGrade(ctx context.Context, configPath, inputPath string, out io.Writer) error {
	in, err := readGradeInput(inputPath)
	if err != nil {
		return err
	}
	svc, err := buildServices(configPath)
	if err != nil {
		return err
	}
	report, err := svc.evaluator.Evaluate(ctx, in.submission())
	if err != nil {
		return err //nolint:wrapcheck // already wrapped by the evaluator
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(report) //nolint:wrapcheck
}
