package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrUnavailable is returned when no backend can serve a request.
var ErrUnavailable = errors.New("backend: unavailable")

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Backends  []Backend
	Default   string
	Fallbacks []string // probed in order after Default
	// StandIn names the development backend tried last when StandInEnabled is set.
	StandIn        string
	StandInEnabled bool
	// ForceStandIn makes Select return the stand-in without probing anything.
	ForceStandIn bool
	Logger       *log.Logger
}

// Selector resolves backends by name or by availability.
type Selector struct {
	backends       map[string]Backend
	order          []string
	defaultName    string
	fallbacks      []string
	standIn        string
	standInEnabled bool
	forceStandIn   bool
	logger         *log.Logger
}

// NewSelector validates cfg and builds a Selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("backend: at least one backend required")
	}
	s := &Selector{
		backends:       make(map[string]Backend, len(cfg.Backends)),
		defaultName:    strings.TrimSpace(cfg.Default),
		standIn:        strings.TrimSpace(cfg.StandIn),
		standInEnabled: cfg.StandInEnabled,
		forceStandIn:   cfg.ForceStandIn,
		logger:         cfg.Logger,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	for _, b := range cfg.Backends {
		if b == nil {
			return nil, errors.New("backend: nil backend")
		}
		name := b.Name()
		if _, dup := s.backends[name]; dup {
			return nil, fmt.Errorf("backend: duplicate backend %q", name)
		}
		s.backends[name] = b
		s.order = append(s.order, name)
	}
	if s.defaultName == "" {
		s.defaultName = s.order[0]
	}
	if _, ok := s.backends[s.defaultName]; !ok {
		return nil, fmt.Errorf("backend: default backend %q not registered", s.defaultName)
	}
	for _, name := range cfg.Fallbacks {
		name = strings.TrimSpace(name)
		if name == "" || name == s.defaultName {
			continue
		}
		if _, ok := s.backends[name]; !ok {
			return nil, fmt.Errorf("backend: fallback backend %q not registered", name)
		}
		s.fallbacks = append(s.fallbacks, name)
	}
	if (s.standInEnabled || s.forceStandIn) && s.standIn != "" {
		if _, ok := s.backends[s.standIn]; !ok {
			return nil, fmt.Errorf("backend: stand-in backend %q not registered", s.standIn)
		}
	}
	return s, nil
}

// Resolve returns the backend registered under name.
func (s *Selector) Resolve(name string) (Backend, error) {
	b, ok := s.backends[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, name)
	}
	return b, nil
}

// Select returns the first available backend: the default, then each fallback in configured
// order, then the stand-in when enabled. Probing stops at the first success.
func (s *Selector) Select(ctx context.Context) (Backend, error) {
	if s.forceStandIn && s.standIn != "" {
		return s.backends[s.standIn], nil
	}
	var probeErrs *multierror.Error
	for _, name := range s.candidates() {
		b := s.backends[name]
		if b.Available(ctx) {
			if name != s.defaultName {
				s.logger.Printf("[WARN] backend: default %s unavailable, using %s", s.defaultName, name)
			}
			return b, nil
		}
		probeErrs = multierror.Append(probeErrs, fmt.Errorf("%s: unavailable", name))
		if err := ctx.Err(); err != nil {
			probeErrs = multierror.Append(probeErrs, err)
			break
		}
	}
	probeErrs.ErrorFormat = joinErrors
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, probeErrs)
}

func (s *Selector) candidates() []string {
	out := make([]string, 0, len(s.fallbacks)+2)
	out = append(out, s.defaultName)
	out = append(out, s.fallbacks...)
	if s.standInEnabled && s.standIn != "" && !contains(out, s.standIn) {
		out = append(out, s.standIn)
	}
	return out
}

// Names lists registered backends in sorted order.
func (s *Selector) Names() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Default returns the configured default backend name.
func (s *Selector) Default() string { return s.defaultName }

// Backends returns the registered backends in registration order.
func (s *Selector) Backends() []Backend {
	out := make([]Backend, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.backends[name])
	}
	return out
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
