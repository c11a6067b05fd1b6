package client

import (
	"fmt"
	"time"
)

func After(timeAt time.Time) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("timerel=after&timeAt=%s", timeAt.UTC().Format(time.RFC3339)))
	}
}

func Before(timeAt time.Time) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("timerel=before&timeAt=%s", timeAt.UTC().Format(time.RFC3339)))
	}
}

func Between(timeAt, endTimeAt time.Time) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(
			params,
			fmt.Sprintf("timerel=between&timeAt=%s&endTimeAt=%s",
				timeAt.UTC().Format(time.RFC3339),
				endTimeAt.UTC().Format(time.RFC3339),
			))
	}
}

func LastN(count uint64) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("lastN=%d", count))
	}
}

// TemporalValues asks for the simplified representation, with each attribute
// reduced to a list of value and time pairs
func TemporalValues() RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, "options=temporalValues")
	}
}
