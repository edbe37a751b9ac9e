package scheduler

import "github.com/Klingon-tech/klingnet-wallet/internal/actions"

// Steps every action goes through: validated, approved, done. Commit-reveal
// actions also report each leg.
const (
	baseSteps         = 3
	commitRevealSteps = baseSteps + 2
)

// progress reports completion of one action as a percentage. It is only
// used from the goroutine running the action.
type progress struct {
	report func(int)
	steps  int
	done   int
}

func newProgress(t actions.Type, report func(int)) *progress {
	steps := baseSteps
	if t == actions.TypeCommitReveal {
		steps = commitRevealSteps
	}
	return &progress{report: report, steps: steps}
}

func (p *progress) step() {
	if p.done >= p.steps-1 {
		return
	}
	p.done++
	p.emit()
}

func (p *progress) finish() {
	p.done = p.steps
	p.emit()
}

func (p *progress) emit() {
	if p.report != nil {
		p.report(p.done * 100 / p.steps)
	}
}
