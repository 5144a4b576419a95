package distribution

import (
	"cmp"
	"maps"
	"slices"

	"github.com/lafikl/consistent"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// Assignment maps each channel to its owner host.
type Assignment map[string]string

// Assigner partitions channels between live hosts.
//
// The result is deterministic, it depends only on the inputs, so a newly elected leader computes the same result.
// A channel stays on its previous owner, if the owner is alive and keeps at most quota + tolerance channels.
// The remaining channels are placed on hosts with the largest deficit.
// The hash ring/consistent hashing pattern breaks ties in the placement,
// it is provided by the "consistent" package, see TestConsistentHashLib for more information.
type Assigner struct {
	tolerance int
}

func NewAssigner(tolerance int) *Assigner {
	return &Assigner{tolerance: max(tolerance, 0)}
}

// Assign computes the new assignment of the channels to the hosts.
// Channels of the previous assignment, which are not in the channels list or whose owner is not alive, are ignored.
func (a *Assigner) Assign(hosts, channels []string, previous Assignment) Assignment {
	hosts = sortedUnique(hosts)
	channels = sortedUnique(channels)
	out := make(Assignment, len(channels))
	if len(hosts) == 0 || len(channels) == 0 {
		return out
	}

	// Channels each host can keep from the previous assignment, in the sorted order
	live := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		live[h] = true
	}
	kept := make(map[string][]string, len(hosts))
	for _, ch := range channels {
		if owner, ok := previous[ch]; ok && live[owner] {
			kept[owner] = append(kept[owner], ch)
		}
	}

	quotas := quotas(hosts, len(channels), kept)

	// Keep channels up to quota + tolerance
	load := make(map[string]int, len(hosts))
	for _, h := range hosts {
		limit := quotas[h] + a.tolerance
		for _, ch := range kept[h] {
			if load[h] >= limit {
				break
			}
			out[ch] = h
			load[h]++
		}
	}

	// Place the rest on the host with the largest deficit
	ring := consistent.New()
	for _, h := range hosts {
		ring.Add(h)
	}
	for _, ch := range channels {
		if _, ok := out[ch]; ok {
			continue
		}
		preferred, _ := ring.Get(ch)
		best := ""
		for _, h := range hosts {
			if best == "" || betterTarget(h, best, preferred, quotas, load) {
				best = h
			}
		}
		out[ch] = best
		load[best]++
	}

	return out
}

// quotas splits n channels between hosts: floor(n/h) each, n mod h hosts get one more.
// The extra channel is given to hosts which keep the most channels, then in the lexicographic order.
func quotas(hosts []string, n int, kept map[string][]string) map[string]int {
	base := n / len(hosts)
	extra := n % len(hosts)

	byKept := slices.Clone(hosts)
	slices.SortStableFunc(byKept, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(kept[b]), len(kept[a])), cmp.Compare(a, b))
	})

	out := make(map[string]int, len(hosts))
	for i, h := range byKept {
		out[h] = base
		if i < extra {
			out[h]++
		}
	}
	return out
}

func betterTarget(candidate, best, preferred string, quotas, load map[string]int) bool {
	candidateDeficit := quotas[candidate] - load[candidate]
	bestDeficit := quotas[best] - load[best]
	if candidateDeficit != bestDeficit {
		return candidateDeficit > bestDeficit
	}
	if candidate == preferred || best == preferred {
		return candidate == preferred
	}
	return candidate < best
}

// Verify checks the assignment is a partition of the channels between the live hosts,
// and that no host exceeds the fair share by more than the tolerance.
func (a *Assigner) Verify(hosts, channels []string, assignment Assignment) error {
	hosts = sortedUnique(hosts)
	channels = sortedUnique(channels)
	errs := errors.NewMultiError()

	live := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		live[h] = true
	}

	if len(hosts) == 0 {
		if len(assignment) > 0 {
			errs.Append(errors.New("channels are assigned, but there is no live host"))
		}
		return errs.ErrorOrNil()
	}

	load := make(map[string]int, len(hosts))
	for _, ch := range channels {
		owner, ok := assignment[ch]
		switch {
		case !ok:
			errs.Append(errors.Errorf(`channel "%s" is not assigned`, ch))
		case !live[owner]:
			errs.Append(errors.Errorf(`channel "%s" is assigned to the dead host "%s"`, ch, owner))
		default:
			load[owner]++
		}
	}

	registered := make(map[string]bool, len(channels))
	for _, ch := range channels {
		registered[ch] = true
	}
	for _, ch := range slices.Sorted(maps.Keys(assignment)) {
		if !registered[ch] {
			errs.Append(errors.Errorf(`channel "%s" is assigned, but it is not registered`, ch))
		}
	}

	limit := (len(channels)+len(hosts)-1)/len(hosts) + a.tolerance
	for _, h := range hosts {
		if load[h] > limit {
			errs.Append(errors.Errorf(`host "%s" owns %d channels, the limit is %d`, h, load[h], limit))
		}
	}

	return errs.ErrorOrNil()
}

// Equal returns true if both assignments contain the same mapping.
func (v Assignment) Equal(other Assignment) bool {
	return maps.Equal(v, other)
}

// OwnedBy returns sorted channels of the host.
func (v Assignment) OwnedBy(host string) []string {
	var out []string
	for ch, owner := range v {
		if owner == host {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}

// Moved returns number of channels whose owner differs from the previous assignment.
func (v Assignment) Moved(previous Assignment) int {
	moved := 0
	for ch, owner := range v {
		if prev, ok := previous[ch]; ok && prev != owner {
			moved++
		}
	}
	return moved
}

func sortedUnique(items []string) []string {
	out := slices.Clone(items)
	slices.Sort(out)
	return slices.Compact(out)
}
