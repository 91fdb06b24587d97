package metering

import (
	"reflect"
	"testing"
)

func TestCreditsForDuration(test *testing.T) {
	test.Parallel()
	cases := []struct {
		minutes int
		want    Credits
	}{
		{minutes: 3, want: 30},
		{minutes: 5, want: 50},
		{minutes: 8, want: 80},
		{minutes: 10, want: 100},
		{minutes: 0, want: 0},
		{minutes: -2, want: 0},
	}
	for _, testCase := range cases {
		if got := CreditsForDuration(testCase.minutes); got != testCase.want {
			test.Fatalf("CreditsForDuration(%d) = %v, want %v", testCase.minutes, got, testCase.want)
		}
	}
}

func TestCreditsFromElapsedSecondsRoundsUpToIncrement(test *testing.T) {
	test.Parallel()
	cases := []struct {
		seconds int64
		want    Credits
	}{
		{seconds: 125, want: 22.5},
		{seconds: 150, want: 25},
		{seconds: 305, want: 52.5},
		{seconds: 1, want: 2.5},
		{seconds: 15, want: 2.5},
		{seconds: 16, want: 5},
		{seconds: 0, want: 0},
		{seconds: -30, want: 0},
	}
	for _, testCase := range cases {
		got := CreditsFromElapsedSeconds(testCase.seconds)
		if !got.ApproxEqual(testCase.want) {
			test.Fatalf("CreditsFromElapsedSeconds(%d) = %v, want %v", testCase.seconds, got, testCase.want)
		}
	}
}

func TestMaxDurationMinutes(test *testing.T) {
	test.Parallel()
	cases := []struct {
		available Credits
		want      int
	}{
		{available: 100, want: 10},
		{available: 99, want: 9},
		{available: 20, want: 2},
		{available: 9.9, want: 0},
		{available: 0, want: 0},
		{available: -5, want: 0},
	}
	for _, testCase := range cases {
		if got := MaxDurationMinutes(testCase.available); got != testCase.want {
			test.Fatalf("MaxDurationMinutes(%v) = %d, want %d", testCase.available, got, testCase.want)
		}
	}
}

func TestSuggestDurations(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name      string
		available Credits
		want      []int
	}{
		{name: "all fit", available: 100, want: []int{3, 5, 8, 10}},
		{name: "some fit", available: 55, want: []int{3, 5}},
		{name: "none standard fits", available: 20, want: []int{2}},
		{name: "nothing fits", available: 5, want: []int{}},
		{name: "zero", available: 0, want: []int{}},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			got := SuggestDurations(testCase.available)
			if !reflect.DeepEqual(got, testCase.want) {
				test.Fatalf("SuggestDurations(%v) = %v, want %v", testCase.available, got, testCase.want)
			}
		})
	}
}

func TestValidateForDuration(test *testing.T) {
	test.Parallel()

	valid := ValidateForDuration(100, 8)
	if !valid.Valid || valid.CreditsNeeded != 80 || valid.CreditsAvailable != 100 {
		test.Fatalf("unexpected validation for affordable duration: %+v", valid)
	}
	if valid.SuggestedDurations != nil {
		test.Fatalf("affordable validation should not carry suggestions: %+v", valid)
	}

	short := ValidateForDuration(20, 8)
	if short.Valid {
		test.Fatalf("expected invalid validation, got %+v", short)
	}
	if short.CreditsNeeded != 80 || short.CreditsAvailable != 20 {
		test.Fatalf("unexpected shortfall numbers: %+v", short)
	}
	if !reflect.DeepEqual(short.SuggestedDurations, []int{2}) {
		test.Fatalf("expected suggestion of 2 minutes, got %v", short.SuggestedDurations)
	}
	if short.MaxDurationMinutes != 2 {
		test.Fatalf("expected max duration 2, got %d", short.MaxDurationMinutes)
	}

	zeroMinutes := ValidateForDuration(100, 0)
	if zeroMinutes.Valid {
		test.Fatalf("zero minutes must not validate: %+v", zeroMinutes)
	}
}
