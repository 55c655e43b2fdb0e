// Package hooks manages webhook registrations on the upstream sources.
//
// At startup the manager deletes the registrations it created last run and
// creates a fresh set pointing at the current public URL, persisting the
// upstream ids so the next run can clean up. Registration failure is never
// fatal: the poller keeps the system converged without webhooks, so the
// manager logs what an operator would have to set up by hand and moves on.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// stateFile is the registration-id ledger name under the data directory.
const stateFile = "webhooks.json"

// Registrar is one source's webhook API; the teamwork and missive clients
// satisfy it.
type Registrar interface {
	Source() string
	RequiredEvents() []string
	CreateWebhook(ctx context.Context, targetURL, event string) (string, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// Manager owns the registration lifecycle.
type Manager struct {
	dataDir   string
	publicURL string
	logger    *slog.Logger
}

// New creates a Manager. publicURL is the externally reachable base of the
// ingress server, without trailing slash.
func New(dataDir, publicURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dataDir: dataDir, publicURL: strings.TrimRight(publicURL, "/"), logger: logger}
}

// Sync replaces the registrations of every registrar. Failures are logged
// per source and never propagate; the returned error covers only the state
// ledger itself.
func (m *Manager) Sync(ctx context.Context, regs ...Registrar) error {
	state, err := m.loadState()
	if err != nil {
		return err
	}

	for _, reg := range regs {
		source := reg.Source()
		if m.publicURL == "" {
			m.manualInstructions(reg)
			continue
		}
		target := m.publicURL + "/webhook/" + source

		for _, id := range state[source] {
			if err := reg.DeleteWebhook(ctx, id); err != nil {
				m.logger.Warn("hooks: stale registration not deleted",
					"source", source, "registration", id, "error", err)
			}
		}
		state[source] = nil

		var created []string
		failed := false
		for _, event := range reg.RequiredEvents() {
			id, err := reg.CreateWebhook(ctx, target, event)
			if err != nil {
				m.logger.Error("hooks: registration failed",
					"source", source, "event", event, "error", err)
				failed = true
				continue
			}
			created = append(created, id)
		}
		state[source] = created
		if failed {
			m.manualInstructions(reg)
		} else {
			m.logger.Info("hooks: registrations replaced",
				"source", source, "count", len(created), "target", target)
		}
	}

	return m.saveState(state)
}

// Teardown deletes every registration in the ledger, e.g. before
// decommissioning an instance.
func (m *Manager) Teardown(ctx context.Context, regs ...Registrar) error {
	state, err := m.loadState()
	if err != nil {
		return err
	}
	bySource := map[string]Registrar{}
	for _, reg := range regs {
		bySource[reg.Source()] = reg
	}
	for source, ids := range state {
		reg, ok := bySource[source]
		if !ok {
			continue
		}
		for _, id := range ids {
			if err := reg.DeleteWebhook(ctx, id); err != nil {
				m.logger.Warn("hooks: teardown delete failed",
					"source", source, "registration", id, "error", err)
			}
		}
		delete(state, source)
	}
	return m.saveState(state)
}

// manualInstructions tells the operator what the automated registration
// would have configured.
func (m *Manager) manualInstructions(reg Registrar) {
	target := "<public-url>/webhook/" + reg.Source()
	if m.publicURL != "" {
		target = m.publicURL + "/webhook/" + reg.Source()
	}
	m.logger.Warn("hooks: automatic registration unavailable, configure manually",
		"source", reg.Source(),
		"target_url", target,
		"events", strings.Join(reg.RequiredEvents(), ","))
}

func (m *Manager) statePath() string {
	return filepath.Join(m.dataDir, stateFile)
}

func (m *Manager) loadState() (map[string][]string, error) {
	state := map[string][]string{}
	data, err := os.ReadFile(m.statePath())
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hooks: read state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt ledger only means stale registrations linger upstream.
		m.logger.Warn("hooks: corrupt state file ignored", "path", m.statePath(), "error", err)
		return map[string][]string{}, nil
	}
	return state, nil
}

func (m *Manager) saveState(state map[string][]string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("hooks: encode state: %w", err)
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("hooks: mkdir: %w", err)
	}
	if err := os.WriteFile(m.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("hooks: write state: %w", err)
	}
	return nil
}
