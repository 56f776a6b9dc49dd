package consumer

import "context"

// ChangeNotifier is told that a user's domain data changed.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, userID string)
}

// ChangeHandler forwards every decoded change event to the notifier.
type ChangeHandler struct {
	notifier ChangeNotifier
}

// NewChangeHandler constructs a ChangeHandler.
func NewChangeHandler(notifier ChangeNotifier) *ChangeHandler {
	return &ChangeHandler{notifier: notifier}
}

// Handle notifies the scheduler; debouncing happens there.
func (h *ChangeHandler) Handle(ctx context.Context, msg Message) error {
	h.notifier.NotifyChange(ctx, msg.UserID)
	return nil
}
