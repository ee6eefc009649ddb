package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

type FirewallRule struct {
	Name         string     `json:"name"`
	Network      string     `json:"network"`
	Direction    string     `json:"direction"`
	Priority     int        `json:"priority"`
	SourceRanges []string   `json:"sourceRanges"`
	TargetTags   []string   `json:"targetTags"`
	Allowed      []PortRule `json:"allowed"`
}

type PortRule struct {
	Protocol string   `json:"protocol"`
	Ports    []string `json:"ports,omitempty"`
}

type FirewallStore interface {
	// GetFirewall returns Missing if no rule has the name.
	GetFirewall(ctx context.Context, log *slog.Logger, name string) (FirewallRule, error)

	// CreateFirewall and hang until the operation is done.
	CreateFirewall(context.Context, *slog.Logger, FirewallRule) error

	DeleteFirewall(ctx context.Context, log *slog.Logger, name string) error
}

// IngressRule allows TCP traffic on port from anywhere to instances carrying
// tag.
func IngressRule(name, tag string, port int) FirewallRule {
	return FirewallRule{
		Name:         name,
		Network:      "global/networks/default",
		Direction:    "INGRESS",
		Priority:     1000,
		SourceRanges: []string{"0.0.0.0/0"},
		TargetTags:   []string{tag},
		Allowed: []PortRule{{
			Protocol: "tcp",
			Ports:    []string{strconv.Itoa(port)},
		}},
	}
}

// Equal reports whether two rules have the same effect. Order of ranges, tags
// and ports doesn't matter, and networks compare by their last path element
// since the API returns full URLs.
func (f FirewallRule) Equal(o FirewallRule) bool {
	if f.Name != o.Name ||
		lastElem(f.Network) != lastElem(o.Network) ||
		f.Direction != o.Direction ||
		f.Priority != o.Priority {
		return false
	}
	if !sameSet(f.SourceRanges, o.SourceRanges) ||
		!sameSet(f.TargetTags, o.TargetTags) {
		return false
	}
	return sameSet(f.allowedKeys(), o.allowedKeys())
}

func (f FirewallRule) allowedKeys() []string {
	var keys []string
	for _, a := range f.Allowed {
		if len(a.Ports) == 0 {
			keys = append(keys, a.Protocol)
			continue
		}
		for _, p := range a.Ports {
			keys = append(keys, a.Protocol+":"+p)
		}
	}
	return keys
}

func (f FirewallRule) String() string {
	return fmt.Sprintf("%s %s %v->%v allow %s", f.Direction,
		lastElem(f.Network), f.SourceRanges, f.TargetTags,
		strings.Join(f.allowedKeys(), ","))
}

func sameSet(a, b []string) bool {
	a = slices.Clone(a)
	b = slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// lastElem of a resource URL or path.
func lastElem(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx == -1 {
		return s
	}
	return s[idx+1:]
}
