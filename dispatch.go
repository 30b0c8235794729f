package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SendInput is a message to send.
type SendInput struct {
	ReceiverID string `validate:"required"`
	Content    string `validate:"required"`
	ProductID  string
}

// Dispatcher sends messages and merges the confirmed record into the store.
type Dispatcher struct {
	api      PersistenceAPI
	session  Session
	store    *Store
	validate *validator.Validate
	log      *slog.Logger
}

func NewDispatcher(api PersistenceAPI, session Session, store *Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = discardLogger()
	}
	return &Dispatcher{
		api:      api,
		session:  session,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With("component", "dispatch"),
	}
}

// Send trims and validates in, persists it and merges the server's record.
// Invalid input and a missing session are rejected before any network call.
// On failure the store is left untouched.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (Message, error) {
	in.Content = strings.TrimSpace(in.Content)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	if d.session == nil || d.session.UserID() == "" {
		return Message{}, ErrNoSession
	}
	if err := d.validate.Struct(in); err != nil {
		return Message{}, inputError(err)
	}

	msg, err := d.api.SendMessage(ctx, in.ReceiverID, in.Content, in.ProductID)
	if err != nil {
		if IsUnauthorized(err) {
			d.log.Warn("send rejected: session invalid")
			return Message{}, err
		}
		var vErr *ValidationError
		if errors.As(asValidation(err), &vErr) {
			d.log.Debug("send rejected by server", "err", err)
			return Message{}, vErr
		}
		d.log.Warn("send failed", "receiver", in.ReceiverID, "err", err)
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	// Some servers echo only the id; fill in what was sent.
	if msg.SenderID() == "" {
		msg.Sender = Ref(d.session.UserID())
	}
	if msg.ReceiverID() == "" {
		msg.Receiver = Ref(in.ReceiverID)
	}
	if msg.Content == "" {
		msg.Content = in.Content
	}
	if msg.ProductID == "" {
		msg.ProductID = in.ProductID
	}

	if d.store != nil {
		d.store.ApplySentMessage(msg)
	}
	d.log.Debug("message sent", "id", msg.ID, "receiver", in.ReceiverID)
	return msg, nil
}

// inputError maps a validator failure to the precondition sentinel of the
// first failing field.
func inputError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "Content":
		return ErrEmptyContent
	case "ReceiverID":
		return ErrMissingReceiver
	}
	return fmt.Errorf("invalid %s: %w", verrs[0].Field(), err)
}
