package ksef

import "github.com/rezonia/ksef-fetcher/internal/poll"

// Classify maps an operation status onto a poll outcome: exactly 200 succeeds,
// 400 and above fails, anything else is still in progress.
func Classify[T any](st OperationStatus) poll.Status[T] {
	code := st.Value()
	switch {
	case code == StatusSuccess:
		return poll.Status[T]{Outcome: poll.Success, Code: code}
	case code >= StatusFailedMin:
		desc := st.Description
		if desc == "" {
			desc = "unknown error"
		}
		return poll.Status[T]{Outcome: poll.Failed, Code: code, Reason: desc}
	default:
		return poll.Status[T]{Outcome: poll.Pending, Code: code}
	}
}
