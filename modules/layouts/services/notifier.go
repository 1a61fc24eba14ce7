package services

import "context"

type NotificationLevel string

const (
	NotificationError   NotificationLevel = "error"
	NotificationWarning NotificationLevel = "warning"
)

// Notification is a user-visible message, e.g. a toast.
type Notification struct {
	Level    NotificationLevel
	Title    string
	Message  string
	LayoutID string
	RegionID string
	Err      error
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}
