package worker

import (
	"fmt"

	"github.com/docflow/backend/internal/tasktype"
)

// Mode is how a worker service reports completion.
type Mode string

const (
	// ModeSync answers the submit with the result.
	ModeSync Mode = "sync"
	// ModePoll returns a handle that is polled until terminal.
	ModePoll Mode = "poll"
	// ModeWebhook returns a handle and later calls the webhook.
	ModeWebhook Mode = "webhook"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSync, ModePoll, ModeWebhook:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown worker mode %q", s)
}

// DefaultMode is the mode each kind's service uses unless configured otherwise.
func DefaultMode(kind tasktype.Kind) Mode {
	switch kind {
	case tasktype.PDFToMarkdown:
		return ModePoll
	case tasktype.ImageToMarkdown, tasktype.MarkdownToPDF, tasktype.ImageTranslate:
		return ModeSync
	case tasktype.PDFTranslate:
		return ModeWebhook
	}
	return ""
}

type Route struct {
	Client Client
	Mode   Mode
}

// Registry maps every task kind to the service that processes it.
type Registry struct {
	routes map[tasktype.Kind]Route
}

// NewRegistry fails unless every kind has a route with a client and mode.
func NewRegistry(routes map[tasktype.Kind]Route) (*Registry, error) {
	for _, k := range tasktype.All() {
		r, ok := routes[k]
		if !ok || r.Client == nil {
			return nil, fmt.Errorf("no worker configured for %s", k)
		}
		if _, err := ParseMode(string(r.Mode)); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
	}
	cp := make(map[tasktype.Kind]Route, len(routes))
	for k, r := range routes {
		cp[k] = r
	}
	return &Registry{routes: cp}, nil
}

func (r *Registry) Route(kind tasktype.Kind) (Route, error) {
	route, ok := r.routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", tasktype.ErrUnknownType, kind)
	}
	return route, nil
}
