package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	JobsArmed           Counter
	JobsExecuted        Counter
	JobsFailed          Counter
	JobsExpired         Counter
	OrdersPlaced        Counter
	OrdersFailed        Counter
	CompensationsIssued Counter
	CompensationsFailed Counter
	PartialExposures    Counter
	PositionsOpened     Counter
	PositionsClosed     Counter
	ProximityAlerts     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		JobsArmed:           n,
		JobsExecuted:        n,
		JobsFailed:          n,
		JobsExpired:         n,
		OrdersPlaced:        n,
		OrdersFailed:        n,
		CompensationsIssued: n,
		CompensationsFailed: n,
		PartialExposures:    n,
		PositionsOpened:     n,
		PositionsClosed:     n,
		ProximityAlerts:     n,
	}
}
