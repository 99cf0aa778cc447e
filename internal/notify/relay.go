package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// Relay subscribes to lifecycle events on the signal bus and forwards them to
// the notifier. Delivery is best effort; a failed send is logged, never fatal.
type Relay struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay between the given bus and notifier.
func NewRelay(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run consumes lifecycle events until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, domain.ChannelProposals)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.ChannelProposals, err)
	}
	r.logger.InfoContext(ctx, "relay started",
		slog.String("channel", domain.ChannelProposals),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "relay stopped")
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var ev domain.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.WarnContext(ctx, "malformed lifecycle event",
			slog.String("error", err.Error()),
		)
		return
	}

	title, message := formatEvent(ev)
	if err := r.notifier.Notify(ctx, ev.Event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

func formatEvent(ev domain.LifecycleEvent) (title, message string) {
	ref := fmt.Sprintf("%s #%d", ev.OrgID, ev.ProposalID)

	switch ev.Event {
	case domain.EventProposalCreated:
		return "Proposal created", fmt.Sprintf("Proposal %s entered staking.", ref)
	case domain.EventProposalActivated:
		return "Proposal activated", fmt.Sprintf("Proposal %s is trading. Conditional markets are open.", ref)
	case domain.EventProposalCancelled:
		return "Proposal cancelled", fmt.Sprintf("Proposal %s was cancelled and all stakes refunded.", ref)
	case domain.EventProposalResolved:
		return "Proposal passed", fmt.Sprintf("Proposal %s resolved pass. Actions are ready to execute.", ref)
	case domain.EventProposalFailed:
		return "Proposal failed", fmt.Sprintf("Proposal %s resolved fail.", ref)
	case domain.EventActionExecuted:
		return "Action executed", fmt.Sprintf("An action of proposal %s was executed.", ref)
	case domain.EventProposalExecuted:
		return "Proposal executed", fmt.Sprintf("All actions of proposal %s have been executed.", ref)
	default:
		return ev.Event, fmt.Sprintf("Proposal %s: %s (status %s).", ref, ev.Event, ev.Status)
	}
}
