package platform

import "fmt"

type Stage string

const (
	StageSetup      Stage = "setup"
	StageLoad       Stage = "load"
	StageEvolve     Stage = "evolve"
	StageMigrate    Stage = "migrate"
	StageCheckpoint Stage = "checkpoint"
	StageGather     Stage = "gather"
)

// StageError identifies the rank and stage at which a run aborted.
type StageError struct {
	Rank  int
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rank=%d stage=%s: %v", e.Rank, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(rank int, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Rank: rank, Stage: stage, Err: err}
}
