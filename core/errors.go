package core

import "errors"

var (
	// ErrConfigurationInvalid is returned when a delay policy or predictor
	// configuration is rejected. The previous configuration stays active.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrOutOfOrderSample reports a sample whose frame id is not newer than
	// the tracked one. It is informational: the sample is ignored.
	ErrOutOfOrderSample = errors.New("out-of-order sample")

	// ErrSimulatorClosed is returned by Ingest once the release loop has stopped.
	ErrSimulatorClosed = errors.New("delay simulator closed")

	// ErrPredictorClosed is returned by Deliver once the predictor loop has stopped.
	ErrPredictorClosed = errors.New("predictor closed")
)
