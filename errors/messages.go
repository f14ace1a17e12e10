package errors

// userMessages overrides the generic per-code message for specific commands.
var userMessages = map[string]map[ErrorCode]string{
	"AcceptOffer": {
		ErrCodeInvalidState: "This task is no longer accepting offers",
		ErrCodeUnauthorized: "Only the task poster can accept offers",
		ErrCodeNotFound:     "The task or offer could not be found",
	},
	"UpdateProgress": {
		ErrCodeUnauthorized:    "Only the assigned tasker can update progress",
		ErrCodeInvalidArgument: "Progress must be between 0 and 100",
		ErrCodeInvalidState:    "This task is not in progress",
	},
	"MarkComplete": {
		ErrCodeUnauthorized: "Only the assigned tasker can mark this task complete",
		ErrCodeInvalidState: "This task is not in progress",
	},
	"ReleasePayment": {
		ErrCodeUnauthorized:  "Only the task poster can release payment",
		ErrCodeNotFound:      "No held payment was found for this task",
		ErrCodeGatewayFailed: "The payment could not be released, please try again",
	},
	"RequestRevisions": {
		ErrCodeUnauthorized:    "Only the task poster can request revisions",
		ErrCodeInvalidArgument: "Please describe what needs to change",
		ErrCodeInvalidState:    "Revisions can only be requested on active tasks",
	},
	"RaiseDispute": {
		ErrCodeUnauthorized:    "Only the poster or the assigned tasker can raise a dispute",
		ErrCodeInvalidArgument: "Please provide a reason and a description",
		ErrCodeNotFound:        "No held payment was found for this task",
		ErrCodeInvalidState:    "A dispute cannot be raised on this task",
	},
}

var genericMessages = map[ErrorCode]string{
	ErrCodeNotFound:        "The requested item could not be found",
	ErrCodeUnauthorized:    "You are not allowed to do that",
	ErrCodeInvalidState:    "This action is not available right now",
	ErrCodeInvalidArgument: "Some of the information provided is invalid",
	ErrCodeResourceBusy:    "This task is being updated, please try again",
	ErrCodeConflict:        "This task was just updated, please refresh and try again",
	ErrCodeGatewayFailed:   "The payment service is unavailable, please try again",
}

// UserMessage maps an error returned by a workflow command to the text the
// UI layer shows. Unknown errors get a generic message.
func UserMessage(command string, err error) string {
	if err == nil {
		return ""
	}
	code := Code(err)
	if byCode, ok := userMessages[command]; ok {
		if msg, ok := byCode[code]; ok {
			return msg
		}
	}
	if msg, ok := genericMessages[code]; ok {
		return msg
	}
	return "Something went wrong, please try again"
}
