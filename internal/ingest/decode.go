package ingest

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// maxBatchEvents bounds a single /ingest/batch request body, per
// SPEC_FULL.md §6.
const maxBatchEvents = 10000

// DecodeEvent parses one raw JSON event body. Malformed input is the
// caller's cue to count drop.parse and continue — this function never
// panics on bad input, only returns an error.
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := sonic.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("ingest.DecodeEvent: %w", err)
	}
	if e.U == "" {
		return Event{}, fmt.Errorf("ingest.DecodeEvent: missing u")
	}
	return e, nil
}

// DecodeBatch parses a JSON array of events, rejecting bodies over
// maxBatchEvents entries. The count is checked after the full unmarshal,
// so it does not bound the memory the decode itself allocates.
func DecodeBatch(body []byte) ([]Event, error) {
	var events []Event
	if err := sonic.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("ingest.DecodeBatch: %w", err)
	}
	if len(events) > maxBatchEvents {
		return nil, fmt.Errorf("ingest.DecodeBatch: batch of %d exceeds max %d", len(events), maxBatchEvents)
	}
	return events, nil
}

// DecodeFeedback parses a FeedbackEvent body.
func DecodeFeedback(body []byte) (FeedbackEvent, error) {
	var f FeedbackEvent
	if err := sonic.Unmarshal(body, &f); err != nil {
		return FeedbackEvent{}, fmt.Errorf("ingest.DecodeFeedback: %w", err)
	}
	return f, nil
}
