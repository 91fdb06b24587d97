package metering

import "math"

// CreditsPerMinute is the billing rate for interview time.
const CreditsPerMinute = 10

// billingIncrementSeconds is the granularity usage is rounded up to before
// billing: the user never pays for more than elapsed-rounded-up, the provider
// is never shorted for sub-increment slivers.
const billingIncrementSeconds = 15

// StandardDurationsMinutes are the interview lengths offered by default.
var StandardDurationsMinutes = []int{3, 5, 8, 10}

// CreditsForDuration returns the credits required to reserve a planned
// interview of the given length.
func CreditsForDuration(minutes int) Credits {
	if minutes <= 0 {
		return 0
	}
	return Credits(minutes * CreditsPerMinute)
}

// CreditsFromElapsedSeconds converts actual usage into a charge, rounding the
// elapsed time up to the nearest 15-second increment first.
func CreditsFromElapsedSeconds(seconds int64) Credits {
	if seconds <= 0 {
		return 0
	}
	increments := math.Ceil(float64(seconds) / billingIncrementSeconds)
	billedSeconds := increments * billingIncrementSeconds
	return Credits(billedSeconds / 60 * CreditsPerMinute)
}

// MaxDurationMinutes returns the longest whole-minute interview the given
// credits can cover.
func MaxDurationMinutes(available Credits) int {
	if available <= 0 {
		return 0
	}
	return int(math.Floor(float64(available) / CreditsPerMinute))
}

// SuggestDurations returns the standard durations affordable with the given
// available credits. When none fit but some non-zero duration does, the
// maximum affordable duration is suggested instead.
func SuggestDurations(available Credits) []int {
	maxMinutes := MaxDurationMinutes(available)
	suggestions := make([]int, 0, len(StandardDurationsMinutes))
	for _, minutes := range StandardDurationsMinutes {
		if minutes <= maxMinutes {
			suggestions = append(suggestions, minutes)
		}
	}
	if len(suggestions) == 0 && maxMinutes > 0 {
		suggestions = append(suggestions, maxMinutes)
	}
	return suggestions
}

// DurationValidation is the outcome of checking whether a balance covers a
// requested interview length.
type DurationValidation struct {
	Valid              bool
	CreditsNeeded      Credits
	CreditsAvailable   Credits
	SuggestedDurations []int
	MaxDurationMinutes int
}

// ValidateForDuration checks whether available credits cover the requested
// duration; on shortfall the result carries alternatives for the caller to
// offer.
func ValidateForDuration(available Credits, minutes int) DurationValidation {
	needed := CreditsForDuration(minutes)
	validation := DurationValidation{
		Valid:            minutes > 0 && available >= needed,
		CreditsNeeded:    needed,
		CreditsAvailable: available,
	}
	if !validation.Valid {
		validation.SuggestedDurations = SuggestDurations(available)
		validation.MaxDurationMinutes = MaxDurationMinutes(available)
	}
	return validation
}
