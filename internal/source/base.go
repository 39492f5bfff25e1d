package source

import "github.com/gisquick/tileproxy/internal/coverage"

// Base holds the two per-source knobs every Source implementation shares:
// an optional coverage restriction (spec §4.3 "per-source coverage") and
// the on_error substitution policy (spec §4.1 "on_error"). Embedding it
// satisfies Source's Coverage/OnError methods without repeating them in
// every concrete source type; the zero value (no coverage, OnErrorFail)
// matches today's unrestricted, fail-on-error behavior.
type Base struct {
	Cov       coverage.Coverage
	ErrPolicy OnErrorPolicy
}

func (b *Base) Coverage() coverage.Coverage { return b.Cov }
func (b *Base) OnError() OnErrorPolicy      { return b.ErrPolicy }
