package domain

import (
	dErrors "shepherd/pkg/domain-errors"
)

// FunnelStage is a person's relationship stage.
type FunnelStage string

const (
	StageVisitor    FunnelStage = "visitor"
	StageEngaged    FunnelStage = "engaged"
	StageNewConvert FunnelStage = "new_convert"
	StageMember     FunnelStage = "member"
	StageInactive   FunnelStage = "inactive"
)

var stages = []FunnelStage{StageVisitor, StageEngaged, StageNewConvert, StageMember, StageInactive}

// Stages returns the stages in funnel order.
func Stages() []FunnelStage { return append([]FunnelStage(nil), stages...) }

func (s FunnelStage) IsValid() bool { return s.Order() >= 0 }

// Order is the stage's position in the funnel, or -1 if unknown.
func (s FunnelStage) Order() int {
	for i, known := range stages {
		if s == known {
			return i
		}
	}
	return -1
}

func (s FunnelStage) String() string { return string(s) }

func ParseFunnelStage(s string) (FunnelStage, error) {
	st := FunnelStage(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown funnel stage: "+s)
	}
	return st, nil
}
