package models

import "time"

// LocationSample is a single position reading with quality metadata.
// Samples are immutable once produced by the location provider; the
// derived distance fields are filled in by the telemetry service before
// the sample reaches the filter.
type LocationSample struct {
	ID             string    `json:"id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyM      float64   `json:"accuracy"` // horizontal accuracy radius, meters
	SpeedMPS       *float64  `json:"speed,omitempty"`
	HeadingDeg     *float64  `json:"heading,omitempty"`
	BatteryLevel   float64   `json:"batteryLevel"`   // 0..1
	SignalStrength int       `json:"signalStrength"` // 0..5
	CapturedAt     time.Time `json:"capturedAt"`

	// Derived relative to the previously accepted sample.
	DistanceFromPrevM   float64 `json:"distanceFromPrev"`
	CumulativeDistanceM float64 `json:"cumulativeDistance"`
}

// PendingDeliveryItem is a LocationSample queued for at-least-once
// delivery. The wire request is built at accept time and stored with
// the sample, so an item stays deliverable after a restart even once
// its session has ended. ID is the queue rowid, zero until enqueued.
type PendingDeliveryItem struct {
	ID           int64                     `json:"id"`
	Sample       LocationSample            `json:"sample"`
	Request      TrackRouteLocationRequest `json:"request"`
	EnqueuedAt   time.Time                 `json:"enqueuedAt"`
	AttemptCount int                       `json:"attemptCount"`
}
