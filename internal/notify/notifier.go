package notify

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
)

// Notifier displays and withdraws notifications. Showing a notification
// whose tag is already visible replaces it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Withdraw(ctx context.Context, tags ...string) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

// NewLogNotifier returns a LogNotifier; nil logs to stderr.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{Logger: logger}
}

func (l *LogNotifier) Show(ctx context.Context, n Notification) error {
	l.Logger.Printf("Notification %s: %s - %s", n.Tag, n.Title, n.Body)
	return nil
}

func (l *LogNotifier) Withdraw(ctx context.Context, tags ...string) error {
	if len(tags) > 0 {
		l.Logger.Printf("Withdrawn: %s", strings.Join(tags, ", "))
	}
	return nil
}

// MultiNotifier fans out to every notifier, collecting their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) Withdraw(ctx context.Context, tags ...string) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Withdraw(ctx, tags...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
