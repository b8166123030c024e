package pipeline

// StepKey identifies a stage of the generation pipeline.
type StepKey string

const (
	StepSelectImage        StepKey = "select_image"
	StepRemoveBackground   StepKey = "remove_background"
	StepVirtualFitting     StepKey = "virtual_fitting"
	StepGenerateBackground StepKey = "generate_background"
	StepGenerateCaption    StepKey = "generate_caption"
	StepGenerateHTML       StepKey = "generate_html"
	StepSaveImage          StepKey = "save_image"
)

// StepStatus is the execution status of a single step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepSuccess, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change within a job.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

// Rank orders statuses for progress purposes. All terminal statuses share
// the highest rank.
func (s StepStatus) Rank() int {
	switch s {
	case StepRunning:
		return 1
	case StepSuccess, StepFailed, StepSkipped:
		return 2
	default:
		return 0
	}
}

// StepState is a step's status plus its optional artifacts.
type StepState struct {
	Status      StepStatus `json:"status"`
	StartedAt   *Timestamp `json:"started_at,omitempty"`
	CompletedAt *Timestamp `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultRef   string     `json:"result_url,omitempty"`
}

// Clone returns a deep copy of st.
func (st StepState) Clone() StepState {
	out := st
	if st.StartedAt != nil {
		v := *st.StartedAt
		out.StartedAt = &v
	}
	if st.CompletedAt != nil {
		v := *st.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// Normalize drops fields the status does not allow: an error is only kept on
// failed steps and a result reference only on successful ones.
func (st StepState) Normalize() StepState {
	out := st.Clone()
	if out.Status != StepFailed {
		out.Error = ""
	}
	if out.Status != StepSuccess {
		out.ResultRef = ""
	}
	return out
}
