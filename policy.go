package outbox

import (
	"time"
	"unicode/utf8"
)

const maxFailReasonLen = 1024

// disposition is the persistence decision for one processed event.
type disposition int

const (
	dispositionDelete disposition = iota
	dispositionUpdate
)

// classify applies the retry policy to a handler result. The returned event carries the new state
// when the disposition is dispositionUpdate.
func classify(result Result, event Event, settings Settings, now time.Time) (disposition, Event) {
	if result.Processed {
		return dispositionDelete, event
	}

	event.Status = StatusEnabled
	event.FailReason = truncateReason(result.Reason)

	if result.LockBusy {
		event.RunTime = settings.NextRunTime(now, event.Attempts)

		return dispositionUpdate, event
	}

	event.Attempts++
	event.RunTime = settings.NextRunTime(now, event.Attempts)
	if settings.DeleteAfterAttempts && event.Attempts > settings.AttemptsMax {
		return dispositionDelete, event
	}

	return dispositionUpdate, event
}

// disable marks an event that failed with an error as DISABLED.
func disable(event Event, err error) Event {
	event.Status = StatusDisabled
	event.FailReason = truncateReason(err.Error())

	return event
}

func truncateReason(msg string) string {
	if utf8.RuneCountInString(msg) <= maxFailReasonLen {
		return msg
	}

	return string([]rune(msg)[:maxFailReasonLen])
}
