package worker

import (
	"context"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
)

// EchoStage is the test-double external collaborator named in SPEC_FULL.md
// §4.7: it performs no audio-specific work (that is explicitly out of scope,
// per the Non-goals), it only records that the stage ran and writes a single
// marker artifact. cmd/orchestratord wires it in as every stage's work
// function, so the daemon can drive a full pipeline without a real provider.
func EchoStage(stageName string) DoStageWork {
	return func(ctx context.Context, jobID string, meta *jobmodel.MetadataRecord) (Result, error) {
		return Result{OK: true, Provider: "echo", Artifacts: []Artifact{{Name: stageName + ".marker", Data: []byte(jobID)}}}, nil
	}
}
