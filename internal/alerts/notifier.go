package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Event names the kind of outcome being reported.
type Event string

const (
	EventJobArmed        Event = "JOB_ARMED"
	EventJobExecuted     Event = "JOB_EXECUTED"
	EventJobFailed       Event = "JOB_FAILED"
	EventJobExpired      Event = "JOB_EXPIRED"
	EventGenerationFail  Event = "GENERATION_FAILED"
	EventPartialExposure Event = "PARTIAL_EXPOSURE"
	EventPositionClosed  Event = "POSITION_CLOSED"
	EventProximity       Event = "PROXIMITY"
)

// Notifier fans an event out to telegram and the structured log.
// Fire-and-forget: delivery failures are logged, never propagated, so
// the core loops are never blocked on a messaging channel.
type Notifier struct {
	telegram *Telegram
	log      *zap.Logger
}

func NewNotifier(telegram *Telegram, log *zap.Logger) *Notifier {
	return &Notifier{telegram: telegram, log: log}
}

// Notify delivers with a normal notification sound.
func (n *Notifier) Notify(event Event, message string) {
	n.deliver(event, message, false)
}

// NotifySilent delivers without a notification sound, for after-hours
// updates the operator asked to receive but not be woken by.
func (n *Notifier) NotifySilent(event Event, message string) {
	n.deliver(event, message, true)
}

func (n *Notifier) deliver(event Event, message string, silent bool) {
	text := fmt.Sprintf("[%s] %s", event, message)
	n.log.Info("notify", zap.String("event", string(event)), zap.String("message", message))
	if n.telegram == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if silent {
			err = n.telegram.SendSilent(ctx, text)
		} else {
			err = n.telegram.Send(ctx, text)
		}
		if err != nil {
			n.log.Warn("telegram delivery failed", zap.String("event", string(event)), zap.Error(err))
		}
	}()
}
