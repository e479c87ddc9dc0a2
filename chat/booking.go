package chat

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"bookchat/conversation"
)

const bookingFailedText = "We couldn't confirm your booking. Please pick a time again."

// SubmitBooking confirms a booking with the agent. At most one submission is
// in flight; a call made while one is running does nothing. The details are
// read from the create-booking call's arguments.
func (c *Controller) SubmitBooking(ctx context.Context, args any) error {
	c.mu.Lock()
	if c.bookingActive {
		c.mu.Unlock()
		c.logger.Debug("duplicate booking submission suppressed")
		return nil
	}
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.bookingActive = true
	c.bookingToken++
	token := c.bookingToken
	gen := c.generation

	booking := bookingFromArgs(args, c.identity.Email())
	booking.Status = "submitting"
	c.state.Booking = booking
	c.mu.Unlock()

	defer c.releaseBooking(token)

	c.logger.Info("submitting booking",
		zap.String("slot", booking.Slot),
		zap.String("topic", booking.Topic))

	result, err := c.run(ctx, confirmationText(booking))
	if err != nil || result.failed || result.rateLimited {
		if c.update(gen, func() {
			c.state.Booking = conversation.Booking{}
			c.state.PendingBooking = nil
			c.state.ClearSelection()
			if err != nil {
				c.state.ReportError(bookingFailedText, c.now())
			}
		}) {
			c.notify()
		}
		return err
	}
	return nil
}

// releaseBooking clears the latch unless NewChat already replaced it.
func (c *Controller) releaseBooking(token uint64) {
	c.mu.Lock()
	released := c.bookingToken == token && c.bookingActive
	if released {
		c.bookingActive = false
	}
	c.mu.Unlock()
	if released {
		c.notify()
	}
}

func bookingFromArgs(args any, email string) conversation.Booking {
	return conversation.Booking{
		Slot:  conversation.ArgString(args, "slot", "start_time", "startTime", "time", "start"),
		Topic: conversation.ArgString(args, "topic", "summary", "title", "service"),
		Email: cmp.Or(conversation.ArgString(args, "email", "attendee_email", "attendeeEmail"), email),
	}
}

// confirmationText is the synthetic user turn that confirms a booking.
func confirmationText(b conversation.Booking) string {
	var sb strings.Builder
	sb.WriteString("Yes, please confirm my booking")
	if b.Slot != "" {
		fmt.Fprintf(&sb, " for %s", b.Slot)
	}
	if b.Topic != "" {
		fmt.Fprintf(&sb, " about %s", b.Topic)
	}
	sb.WriteString(".")
	if b.Email != "" {
		fmt.Fprintf(&sb, " My email is %s.", b.Email)
	}
	return sb.String()
}
