// Package ordering arranges peer collections for display.
//
// Every function returns a new slice and leaves its input untouched.
// Nil input is returned as nil, and inputs with fewer than two peers are
// returned as they are.
package ordering

import (
	"github.com/samber/lo"
	"golang.org/x/text/cases"

	"peerbeacon/models"
)

// Sort orders peers by case-insensitive display name. Peers with equal names
// keep their relative order.
func Sort(peers []models.Peer) []models.Peer {
	if len(peers) < 2 {
		return peers
	}

	fold := cases.Fold()
	keys := make([]string, 0, len(peers))
	out := make([]models.Peer, 0, len(peers))
	for _, peer := range peers {
		key := fold.String(peer.Name())

		pos := len(out)
		for i := range out {
			if key < keys[i] {
				pos = i
				break
			}
		}

		out = append(out[:pos], append([]models.Peer{peer}, out[pos:]...)...)
		keys = append(keys[:pos], append([]string{key}, keys[pos:]...)...)
	}
	return out
}

// SortByActive puts active peers before inactive ones. Active peers are
// ordered by SortByEmitting when prioritizeEmitting is set, by name otherwise.
func SortByActive(peers []models.Peer, prioritizeEmitting bool) []models.Peer {
	if len(peers) < 2 {
		return peers
	}

	active, inactive := partition(peers, func(p models.Peer) bool { return p.Active })
	if prioritizeEmitting {
		active = SortByEmitting(active)
	} else {
		active = Sort(active)
	}
	return concat(active, Sort(inactive))
}

// SortByEmitting puts broadcasting peers before silent ones, each group by name.
func SortByEmitting(peers []models.Peer) []models.Peer {
	if len(peers) < 2 {
		return peers
	}

	emitting, silent := partition(peers, func(p models.Peer) bool { return p.Emitting })
	return concat(Sort(emitting), Sort(silent))
}

func partition(peers []models.Peer, pred func(models.Peer) bool) ([]models.Peer, []models.Peer) {
	in := lo.Filter(peers, func(p models.Peer, _ int) bool { return pred(p) })
	out := lo.Filter(peers, func(p models.Peer, _ int) bool { return !pred(p) })
	return in, out
}

func concat(first, second []models.Peer) []models.Peer {
	out := make([]models.Peer, 0, len(first)+len(second))
	out = append(out, first...)
	return append(out, second...)
}
