package steps

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"autotest/internal/autotest/model"
	appErr "autotest/pkg/errors"

	"github.com/google/shlex"
)

const (
	KindRunProgram   = "run_program"
	KindCheckPoints  = "check_points"
	KindCustomOutput = "custom_output"
)

type programData struct {
	Program string `json:"program"`
}

// validateProgram rejects empty programs and programs with unbalanced quoting,
// which bash would otherwise report as a confusing student failure.
func validateProgram(step model.Step, program string) error {
	words, err := shlex.Split(program)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidStepData, "program of step %d is malformed: %v", step.ID, err)
	}
	if len(words) == 0 {
		return appErr.Newf(appErr.InvalidStepData, "program of step %d is empty", step.ID)
	}
	return nil
}

// runProgram passes when the program exits with status 0 and then earns the full weight.
type runProgram struct{}

func (runProgram) Execute(ctx context.Context, r Runner, step model.Step, _ float64) (Outcome, error) {
	var data programData
	if err := decodeData(step, &data); err != nil {
		return Outcome{}, err
	}
	if err := validateProgram(step, data.Program); err != nil {
		return Outcome{}, err
	}

	out, err := r.RunStudentCommand(ctx, data.Program, nil)
	if err != nil {
		return Outcome{}, err
	}
	passed := out.ExitCode == 0
	points := 0.0
	if passed {
		points = step.Weight
	}
	return Outcome{Points: points, State: passedIf(passed), Log: commandLog(out)}, nil
}

type checkPointsData struct {
	MinPoints float64 `json:"min_points"`
}

// checkPoints earns nothing. It fails, and ends the suite, when fewer than
// min_points were scored so far.
type checkPoints struct{}

func (checkPoints) Execute(_ context.Context, _ Runner, step model.Step, achieved float64) (Outcome, error) {
	var data checkPointsData
	if err := decodeData(step, &data); err != nil {
		return Outcome{}, err
	}
	log := map[string]any{
		"required": data.MinPoints,
		"achieved": achieved,
	}
	if achieved >= data.MinPoints {
		return Outcome{State: model.StepPassed, Log: log}, nil
	}
	return Outcome{State: model.StepFailed, Log: log},
		StopRunningSteps("step %d needs %g points, got %g", step.ID, data.MinPoints, achieved)
}

type customOutputData struct {
	Program string `json:"program"`
	Regex   string `json:"regex"`
}

// customOutput lets the program print its own score. The first capture group of
// regex must parse as a float in [0, 1], which is scaled by the step weight.
type customOutput struct{}

func (customOutput) Execute(ctx context.Context, r Runner, step model.Step, _ float64) (Outcome, error) {
	var data customOutputData
	if err := decodeData(step, &data); err != nil {
		return Outcome{}, err
	}
	if err := validateProgram(step, data.Program); err != nil {
		return Outcome{}, err
	}
	re, err := regexp.Compile(data.Regex)
	if err != nil {
		return Outcome{}, appErr.Wrapf(err, appErr.InvalidStepData, "regex of step %d is invalid: %v", step.ID, err)
	}
	if re.NumSubexp() < 1 {
		return Outcome{}, appErr.Newf(appErr.InvalidStepData, "regex of step %d has no capture group", step.ID)
	}

	out, err := r.RunStudentCommand(ctx, data.Program, nil)
	if err != nil {
		return Outcome{}, err
	}
	log := commandLog(out)
	if out.ExitCode != 0 {
		return Outcome{State: model.StepFailed, Log: log}, nil
	}

	score, ok := parseScore(re, out.Stdout)
	if !ok {
		log["message"] = "no valid score found in output"
		return Outcome{State: model.StepFailed, Log: log}, nil
	}
	log["points"] = score
	return Outcome{Points: score * step.Weight, State: model.StepPassed, Log: log}, nil
}

func parseScore(re *regexp.Regexp, output string) (float64, bool) {
	match := re.FindStringSubmatch(output)
	if len(match) < 2 {
		return 0, false
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(match[1]), 64)
	if err != nil || math.IsNaN(score) || score < 0 || score > 1 {
		return 0, false
	}
	return score, true
}
