package engine

import "go.uber.org/zap"

// Event describes an order lifecycle transition for observers.
type Event struct {
	OrderID string
	From    string
	To      string
	Detail  string
}

// Sink receives order lifecycle events. Emit must not block.
type Sink interface {
	Emit(event Event)
}

// zapSink logs events through the package logger.
type zapSink struct{}

func (zapSink) Emit(event Event) {
	logger.Info("Order state transition",
		zap.String("order_id", event.OrderID),
		zap.String("from", event.From),
		zap.String("to", event.To),
		zap.String("detail", event.Detail))
}

// NewLoggingSink returns a Sink that writes transitions to the log.
func NewLoggingSink() Sink { return zapSink{} }
