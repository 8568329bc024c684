package testsupport

import "vidatlas/internal/pipeline"

// ScriptWorker is a pipeline.Worker whose phases are supplied by the test.
// The zero value reports strategy version "v1" and no phases.
type ScriptWorker struct {
	StrategyVersion string
	PhaseList       []pipeline.Phase
}

// Version reports the scripted strategy version.
func (w *ScriptWorker) Version() string {
	if w.StrategyVersion == "" {
		return "v1"
	}
	return w.StrategyVersion
}

// Phases returns the scripted phases in order.
func (w *ScriptWorker) Phases() []pipeline.Phase { return w.PhaseList }
