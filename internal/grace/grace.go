// Package grace implements the grace-time policy: resolving how long an
// image must sit unreferenced before it becomes eligible for deletion,
// from its labels or from configured name-glob patterns (spec.md §4.I).
package grace

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/cpuguy83/imagereaper/internal/config"
)

// LabelKey is the image label that, when present, overrides every
// configured pattern for that image.
const LabelKey = "com.caduc.image.grace_time"

// Duration is a parsed grace time: either a concrete, non-negative
// duration, or Never (the image must never be auto-deleted).
type Duration struct {
	D     time.Duration
	Never bool
}

// Less reports whether d is strictly smaller than other, treating Never
// as larger than any finite duration so that max-selection (spec.md
// §4.E step 3) picks Never whenever it's among the candidates.
func (d Duration) Less(other Duration) bool {
	if d.Never {
		return false
	}
	if other.Never {
		return true
	}
	return d.D < other.D
}

// Policy resolves grace times for images against a configuration tree.
type Policy struct {
	cfg      config.Node
	fallback string
}

// New builds a Policy. fallback is the CLI/default grace time
// ("--image-gracetime", default "1d") used when nothing else matches.
func New(cfg config.Node, fallback string) *Policy {
	return &Policy{cfg: cfg, fallback: fallback}
}

// Candidates returns the raw (unparsed) grace-time values that apply to
// an image, per spec.md §4.I:
//  1. the grace_time label, if set, wins outright;
//  2. else every images.<pattern>.grace_time whose pattern matches one of
//     tags;
//  3. else the configured fallback.
func (p *Policy) Candidates(labels map[string]string, tags []string) []any {
	if v, ok := labels[LabelKey]; ok {
		return []any{v}
	}

	var candidates []any
	if images, ok := p.cfg.Get("images").(config.Node); ok {
		for pattern, raw := range images {
			patNode, ok := raw.(config.Node)
			if !ok {
				continue
			}
			g, err := glob.Compile(pattern)
			if err != nil {
				continue
			}
			for _, tag := range tags {
				if g.Match(tag) {
					candidates = append(candidates, patNode["grace_time"])
					break
				}
			}
		}
	}
	if len(candidates) > 0 {
		return candidates
	}
	return []any{p.fallback}
}

// Resolve parses every candidate and returns the maximum (the most
// conservative choice, per spec.md §4.E step 3).
func (p *Policy) Resolve(labels map[string]string, tags []string) (Duration, error) {
	candidates := p.Candidates(labels, tags)
	best := Duration{Never: true}
	haveBest := false
	for _, c := range candidates {
		d, err := Parse(c)
		if err != nil {
			return Duration{}, fmt.Errorf("grace: %w", err)
		}
		if !haveBest || best.Less(d) {
			best = d
			haveBest = true
		}
	}
	return best, nil
}

// Parse converts a single grace-time value (string, int, float64, or nil)
// into a Duration, following spec.md §4.E's numeric semantics:
//   - strings are tried as a human duration ("1d", "30s", "1h30m") first,
//     falling back to bare integer seconds;
//   - "never" and nil mean Never;
//   - numeric inputs are used as-is, in seconds;
//   - any resulting value < 0 maps to Never.
func Parse(v any) (Duration, error) {
	switch t := v.(type) {
	case nil:
		return Duration{Never: true}, nil
	case Duration:
		return t, nil
	case string:
		if t == "never" {
			return Duration{Never: true}, nil
		}
		if d, err := str2duration.ParseDuration(t); err == nil {
			return fromSeconds(d.Seconds()), nil
		}
		secs, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("parsing grace time %q: %w", t, err)
		}
		return fromSeconds(float64(secs)), nil
	case int:
		return fromSeconds(float64(t)), nil
	case int64:
		return fromSeconds(float64(t)), nil
	case float64:
		return fromSeconds(t), nil
	default:
		return Duration{}, fmt.Errorf("parsing grace time: unsupported type %T", v)
	}
}

func fromSeconds(secs float64) Duration {
	if secs < 0 {
		return Duration{Never: true}
	}
	return Duration{D: time.Duration(secs * float64(time.Second))}
}
