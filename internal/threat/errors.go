package threat

import "fmt"

// Stage names the step of resolver processing that failed.
type Stage string

const (
	StageIPRanges      Stage = "IP_RANGES_TASK"
	StagePolicies      Stage = "POLICY_TASK"
	StageCustomLists   Stage = "CUSTOM_LIST_TASK"
	StageThreats       Stage = "THREAT_TASK"
	StageSerialization Stage = "PROTOBUF_SERIALIZATION"
	StageExport        Stage = "EXPORTING"
)

// ProcessingError aborts the record of a single resolver. Other resolvers are
// not affected.
type ProcessingError struct {
	Stage      Stage
	ResolverID int
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("resolver #%d: %s: %v", e.ResolverID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Fail wraps err with the stage and resolver it belongs to.
func Fail(stage Stage, resolverID int, err error) error {
	return &ProcessingError{Stage: stage, ResolverID: resolverID, Err: err}
}
