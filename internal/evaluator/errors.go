package evaluator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoCatalog  = errors.New("evaluator: no catalog version supplied")
	ErrExpression = errors.New("evaluator: invalid expression")
)

// DataGapError reports that a sensor-dependent rule had no usable measurement
// within its freshness window. The evaluator never returns it to callers; it
// turns the rule into an uncertain contribution instead.
type DataGapError struct {
	Rule     string
	Sensor   string
	Since    time.Time
	LastSeen *time.Time
}

func (e *DataGapError) Error() string {
	if e.LastSeen == nil {
		return fmt.Sprintf("data gap: %s has no %s readings since %s", e.Rule, e.Sensor, e.Since.Format(time.RFC3339))
	}
	return fmt.Sprintf("data gap: %s last saw %s at %s", e.Rule, e.Sensor, e.LastSeen.Format(time.RFC3339))
}
