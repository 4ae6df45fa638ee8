package usecase

import "context"

// MetricsSummary represents aggregated capture insights.
type MetricsSummary struct {
	TotalAttempts      int64   `json:"total_attempts"`
	FoundCount         int64   `json:"found_count"`
	NotFoundCount      int64   `json:"not_found_count"`
	FailedCount        int64   `json:"failed_count"`
	ConfirmedCount     int64   `json:"confirmed_count"`
	ManualConfirmed    int64   `json:"manual_confirmed"`
	RecognitionRate    float64 `json:"recognition_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	ActiveCaptureCount int     `json:"active_capture_sessions"`
}

// GetMetricsSummary aggregates capture metrics from persisted attempts.
func (uc *CaptureUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.deps.Attempts.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:    aggregation.TotalCount,
		FoundCount:       aggregation.FoundCount,
		NotFoundCount:    aggregation.NotFoundCount,
		FailedCount:      aggregation.FailedCount,
		ConfirmedCount:   aggregation.ConfirmedCount,
		ManualConfirmed:  aggregation.ManualCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if recognized := aggregation.FoundCount + aggregation.NotFoundCount; recognized > 0 {
		summary.RecognitionRate = float64(aggregation.FoundCount) / float64(recognized)
	}

	uc.mu.Lock()
	summary.ActiveCaptureCount = len(uc.sessions)
	uc.mu.Unlock()

	return summary, nil
}
