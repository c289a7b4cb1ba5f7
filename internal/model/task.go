package model

// TaskResult is one status read of an external generation job.
type TaskResult struct {
	Status    ClipStatus // ClipQueued, ClipRunning, ClipDone or ClipFailed
	ResultURL string
	Message   string // provider error message, logged only
	Raw       string // provider status string before mapping
}

// Terminal 是否为终态
func (r TaskResult) Terminal() bool {
	return r.Status == ClipDone || r.Status == ClipFailed
}
