package model

// ErrorKind classifies pipeline failures so the shell and the retry logic
// can tell them apart.
type ErrorKind string

const (
	KindPlanning     ErrorKind = "planning" // 由回退拆分吸收，不会导致工作流失败
	KindSubmit       ErrorKind = "submit"
	KindGeneration   ErrorKind = "generation"
	KindPollTimeout  ErrorKind = "poll_timeout"
	KindDownload     ErrorKind = "download"
	KindExtraction   ErrorKind = "extraction"
	KindCombine      ErrorKind = "combine"
	KindCancelled    ErrorKind = "cancelled"
	KindPrecondition ErrorKind = "precondition"
)

var kindMessages = map[ErrorKind]string{
	KindPlanning:     "prompt planning failed, fallback prompts were used",
	KindSubmit:       "the video provider rejected the generation request",
	KindGeneration:   "the video provider reported the generation as failed",
	KindPollTimeout:  "the video provider did not finish within the allowed time",
	KindDownload:     "the generated clip could not be downloaded",
	KindExtraction:   "the clip could not be processed into a silent clip and last frame",
	KindCombine:      "the clips could not be combined into the final video",
	KindCancelled:    "the step was cancelled",
	KindPrecondition: "the step's required inputs are missing",
}

// Describe returns a user-presentable sentence for the kind.
func (k ErrorKind) Describe() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return "the workflow step failed"
}

// Retryable reports whether Retry can resume without resubmitting the
// paid generation request.
func (k ErrorKind) Retryable() bool {
	return k == KindDownload || k == KindCombine
}
