package enums

type DeadLetterReason string

const (
	DeadLetterReasonMaxAttempts     DeadLetterReason = "max_attempts"
	DeadLetterReasonDeserialization DeadLetterReason = "deserialization"
	// DeadLetterReasonNonRetryable marks handler errors explicitly coded as
	// permanent, which skip the remaining retry budget.
	DeadLetterReasonNonRetryable DeadLetterReason = "non_retryable"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonMaxAttempts,
	DeadLetterReasonDeserialization,
	DeadLetterReasonNonRetryable,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
