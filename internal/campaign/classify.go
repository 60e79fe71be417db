package campaign

import (
	"fmt"
	"time"

	"bumpcast/internal/provider"
	logx "bumpcast/pkg/logx"
)

const maxReasonLen = 80

// classify turns a provider failure into an outcome. Ban and write-forbidden
// errors reach here only after self-heal was ruled out.
func classify(target string, err error, at time.Time) Outcome {
	o := Outcome{Target: target, Status: OutcomeFailed, At: at}
	switch provider.CodeOf(err) {
	case provider.CodeFlood:
		o.Status, o.Class = OutcomeFloodWait, ClassThrottle
		o.Wait = provider.RetryAfterOf(err)
		o.Reason = fmt.Sprintf("flood wait %ds", int(o.Wait.Seconds()))
	case provider.CodeSlowMode:
		o.Status, o.Class = OutcomeSkipped, ClassPermission
		o.Reason = fmt.Sprintf("slow mode %ds", int(provider.RetryAfterOf(err).Seconds()))
	case provider.CodeWriteForbidden:
		o.Class, o.Reason = ClassAccess, "write forbidden"
	case provider.CodeBanned:
		o.Class, o.Reason = ClassAccess, "banned"
	case provider.CodeAdminRequired:
		o.Class, o.Reason = ClassPermission, "admin required"
	case provider.CodeMessageTooLong:
		o.Class, o.Reason = ClassContent, "message too long"
	case provider.CodeInvalidPeer:
		o.Class, o.Reason = ClassContent, "invalid destination"
	case provider.CodePrivate:
		o.Class, o.Reason = ClassContent, "private destination"
	case provider.CodeTopicClosed:
		o.Class, o.Reason = ClassContent, "topic closed"
	case provider.CodeUnauthorized:
		o.Class, o.Reason = ClassAuth, "unauthorized"
	case provider.CodeTransient:
		o.Class, o.Reason = ClassTransient, logx.Truncate(err.Error(), maxReasonLen)
	default:
		o.Reason = logx.Truncate(err.Error(), maxReasonLen)
	}
	return o
}

// healable reports whether err should trigger the leave/rejoin self-heal.
func healable(err error) bool {
	c := provider.CodeOf(err)
	return c == provider.CodeWriteForbidden || c == provider.CodeBanned
}

// aborts reports whether an error on one forum topic ends the whole forum visit.
func aborts(err error) bool {
	switch provider.CodeOf(err) {
	case provider.CodeFlood, provider.CodeSlowMode, provider.CodeWriteForbidden,
		provider.CodeBanned, provider.CodeUnauthorized:
		return true
	}
	return false
}
