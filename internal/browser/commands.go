/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package browser

import "context"

// Reload reloads the current page.
func (a *Adapter) Reload(ctx context.Context) error {
	if !a.IsAlive() {
		return ErrNotRunning
	}
	_, err := a.devtools.send(ctx, "Page.reload", map[string]any{"ignoreCache": false})
	return err
}

// Back navigates one history entry back. At the start of history it returns
// ErrNoHistoryEntry.
func (a *Adapter) Back(ctx context.Context) error {
	return a.historyStep(ctx, "Page.goBack")
}

// Forward navigates one history entry forward. At the end of history it
// returns ErrNoHistoryEntry.
func (a *Adapter) Forward(ctx context.Context) error {
	return a.historyStep(ctx, "Page.goForward")
}

func (a *Adapter) historyStep(ctx context.Context, method string) error {
	if !a.IsAlive() {
		return ErrNotRunning
	}
	res, err := a.devtools.send(ctx, method, nil)
	if err != nil {
		return err
	}
	if ok, present := res["success"].(bool); present && !ok {
		return ErrNoHistoryEntry
	}
	return nil
}

// Home navigates to the configured homepage in place, without relaunching
// the process.
func (a *Adapter) Home(ctx context.Context) error {
	if !a.IsAlive() {
		return ErrNotRunning
	}
	_, err := a.devtools.send(ctx, "Page.navigate", map[string]any{"url": a.homepage})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastURL = a.homepage
	a.mu.Unlock()
	return nil
}
