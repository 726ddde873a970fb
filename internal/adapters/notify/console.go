// Package notify reports pipeline results and approval prompts to people.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

var (
	channelColor = color.New(color.FgCyan, color.Bold)
	titleColor   = color.New(color.Bold)
	createColor  = color.New(color.FgGreen)
	modifyColor  = color.New(color.FgYellow)
	deleteColor  = color.New(color.FgRed)
	hintColor    = color.New(color.Faint)
)

// Console writes notifications and prompts to a terminal
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console notifier
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Notify(_ context.Context, channel, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel != "" {
		channelColor.Fprintf(c.out, "[%s] ", channel)
	}
	_, err := fmt.Fprintln(c.out, message)
	return err
}

func (c *Console) Present(_ context.Context, prompt usecase.ApprovalPrompt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	titleColor.Fprintf(c.out, "Approval requested: %s\n", prompt.Title)
	if prompt.Description != "" {
		fmt.Fprintf(c.out, "%s\n", prompt.Description)
	}
	for _, change := range prompt.Changes {
		actionColor(change.Action).Fprintf(c.out, "  %-6s %s\n", change.Action, change.FilePath)
	}
	fmt.Fprintf(c.out, "Authorized: %s. Expires %s.\n",
		strings.Join(prompt.AuthorizedUsers, ", "), prompt.ExpiresAt.Format("15:04:05 MST"))
	_, err := hintColor.Fprintf(c.out, "  evolve choose %s --user <user>\n  evolve choose %s --user <user>\n",
		prompt.ApproveAction, prompt.DeclineAction)
	return err
}

func actionColor(a models.FileAction) *color.Color {
	switch a {
	case models.FileCreate:
		return createColor
	case models.FileDelete:
		return deleteColor
	default:
		return modifyColor
	}
}

// Fanout delivers to every notifier and presenter, joining their errors
type Fanout struct {
	notifiers  []usecase.Notifier
	presenters []usecase.ApprovalPresenter
}

// NewFanout combines targets. Targets implementing both interfaces may be passed once.
func NewFanout(targets ...any) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		if n, ok := t.(usecase.Notifier); ok {
			f.notifiers = append(f.notifiers, n)
		}
		if p, ok := t.(usecase.ApprovalPresenter); ok {
			f.presenters = append(f.presenters, p)
		}
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, channel, message string) error {
	var errs []error
	for _, n := range f.notifiers {
		errs = append(errs, n.Notify(ctx, channel, message))
	}
	return errors.Join(errs...)
}

func (f *Fanout) Present(ctx context.Context, prompt usecase.ApprovalPrompt) error {
	var errs []error
	for _, p := range f.presenters {
		errs = append(errs, p.Present(ctx, prompt))
	}
	return errors.Join(errs...)
}

var (
	_ usecase.Notifier          = (*Console)(nil)
	_ usecase.ApprovalPresenter = (*Console)(nil)
	_ usecase.Notifier          = (*Fanout)(nil)
	_ usecase.ApprovalPresenter = (*Fanout)(nil)
)
