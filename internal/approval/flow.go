package approval

import (
	"fmt"
	"strings"
)

// ProcessType is the ordering rule between steps.
type ProcessType string

const (
	ProcessSequential ProcessType = "SEQUENTIAL"
	ProcessParallel   ProcessType = "PARALLEL"
)

// ApprovalType says whether an approval must carry a signature artifact.
type ApprovalType string

const (
	ApprovalStandard         ApprovalType = "STANDARD"
	ApprovalDigitalSignature ApprovalType = "DIGITAL_SIGNATURE"
)

// Flow is the closed set of {ProcessType, ApprovalType} combinations. The zero
// value is invalid.
type Flow uint8

const (
	FlowSequentialStandard Flow = iota + 1
	FlowSequentialSignature
	FlowParallelStandard
	FlowParallelSignature
)

// FlowOf builds a Flow from its two components.
func FlowOf(process ProcessType, approval ApprovalType) (Flow, error) {
	switch {
	case process == ProcessSequential && approval == ApprovalStandard:
		return FlowSequentialStandard, nil
	case process == ProcessSequential && approval == ApprovalDigitalSignature:
		return FlowSequentialSignature, nil
	case process == ProcessParallel && approval == ApprovalStandard:
		return FlowParallelStandard, nil
	case process == ProcessParallel && approval == ApprovalDigitalSignature:
		return FlowParallelSignature, nil
	}
	return 0, fmt.Errorf("unsupported flow %q/%q", process, approval)
}

// ParseFlow parses the "PROCESS/APPROVAL" text form.
func ParseFlow(s string) (Flow, error) {
	process, approval, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("malformed flow %q", s)
	}
	return FlowOf(ProcessType(process), ApprovalType(approval))
}

func (f Flow) Valid() bool {
	return f >= FlowSequentialStandard && f <= FlowParallelSignature
}

func (f Flow) Process() ProcessType {
	switch f {
	case FlowSequentialStandard, FlowSequentialSignature:
		return ProcessSequential
	case FlowParallelStandard, FlowParallelSignature:
		return ProcessParallel
	}
	return ""
}

func (f Flow) Approval() ApprovalType {
	switch f {
	case FlowSequentialStandard, FlowParallelStandard:
		return ApprovalStandard
	case FlowSequentialSignature, FlowParallelSignature:
		return ApprovalDigitalSignature
	}
	return ""
}

// Sequential reports whether steps must act in stepOrder.
func (f Flow) Sequential() bool { return f.Process() == ProcessSequential }

// RequiresSignature reports whether approvals must carry a signature artifact.
func (f Flow) RequiresSignature() bool { return f.Approval() == ApprovalDigitalSignature }

func (f Flow) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Flow(%d)", uint8(f))
	}
	return string(f.Process()) + "/" + string(f.Approval())
}

func (f Flow) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid flow %d", uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Flow) UnmarshalText(text []byte) error {
	parsed, err := ParseFlow(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
