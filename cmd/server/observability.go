package main

import (
	"time"

	"github.com/kestrel-ci/kestrel/internal/metrics"
)

// observeRetries feeds provider retry attempts into the metrics sink.
func observeRetries(attempt int, delay time.Duration, err error) {
	metrics.LLMRetry(delay)
}
