// Package notify delivers challenge codes out of band.
//
// Transports are external collaborators; this package only defines the
// contract, routes by channel and classifies failures so that a failed
// delivery is never mistaken for a successful challenge.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoSender indicates no sender is registered for a channel.
var ErrNoSender = errors.New("notify: no sender for channel")

// Message is one delivery.
type Message struct {
	Channel     string
	Destination string
	Text        string
	// Serial identifies the token for transport logs.
	Serial string
}

// Sender delivers a message. Implementations return a *DeliveryError when the
// transport refused or failed the delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// DeliveryError describes a failed delivery.
type DeliveryError struct {
	Channel string
	// Code is the transport specific status, if any.
	Code string
	Err  error
}

func (e *DeliveryError) Error() string {
	msg := "notify: delivery via " + e.Channel + " failed"
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// AsDeliveryError wraps err in a *DeliveryError unless it already is one.
func AsDeliveryError(channel string, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{Channel: channel, Err: err}
}

// Router dispatches messages to the sender registered for their channel.
type Router struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	fallback Sender
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Handle registers s for channel, replacing any previous sender.
func (r *Router) Handle(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Fallback sets the sender used for channels without a registration.
func (r *Router) Fallback(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// Send routes msg. Any failure is reported as a *DeliveryError.
func (r *Router) Send(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Channel: msg.Channel, Err: err}
	}
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	if !ok {
		s = r.fallback
	}
	r.mu.RUnlock()
	if s == nil {
		return &DeliveryError{Channel: msg.Channel, Err: fmt.Errorf("%w %q", ErrNoSender, msg.Channel)}
	}
	if err := s.Send(ctx, msg); err != nil {
		return AsDeliveryError(msg.Channel, err)
	}
	return nil
}

// LogSender writes deliveries to a logger instead of a transport. It is meant
// for development setups; the code is logged only at debug level.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender writing to logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("challenge delivered",
		zap.String("channel", msg.Channel),
		zap.String("destination", msg.Destination),
		zap.String("serial", msg.Serial))
	s.logger.Debug("challenge text", zap.String("text", msg.Text))
	return nil
}

var (
	_ Sender = (*Router)(nil)
	_ Sender = (*LogSender)(nil)
	_ Sender = SenderFunc(nil)
)
