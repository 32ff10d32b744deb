package domain

import (
	"sort"
	"time"
)

// AID est l'identifiant stable d'un compte (un DID), jamais le handle.
type AID string

// Profile est un instantané d'un compte, récupéré à la demande.
type Profile struct {
	AID            AID
	Handle         string
	FollowersCount int
	FollowsCount   int
	PostsCount     int
	LatestPostAt   *time.Time // nil si aucun post ou pas encore lu (SocialGraph.LatestPostAt)
}

// IsStale indique si le compte n'a pas posté depuis 'threshold'.
// Un compte sans post est considéré comme inactif.
func (p *Profile) IsStale(now time.Time, threshold time.Duration) bool {
	if p.LatestPostAt == nil {
		return true
	}
	return now.Sub(*p.LatestPostAt) > threshold
}

// AIDSet est un ensemble non ordonné d'AIDs (Edge Set / Candidate Set).
type AIDSet map[AID]struct{}

func NewAIDSet(ids ...AID) AIDSet {
	s := make(AIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s AIDSet) Add(id AID) {
	s[id] = struct{}{}
}

func (s AIDSet) Has(id AID) bool {
	_, ok := s[id]
	return ok
}

func (s AIDSet) Len() int {
	return len(s)
}

// Difference retourne s − other.
func (s AIDSet) Difference(other AIDSet) AIDSet {
	out := make(AIDSet)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersection retourne les éléments communs, en itérant sur le plus petit des deux.
func (s AIDSet) Intersection(other AIDSet) AIDSet {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	out := make(AIDSet)
	for id := range small {
		if big.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s AIDSet) Intersects(other AIDSet) bool {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for id := range small {
		if big.Has(id) {
			return true
		}
	}
	return false
}

func (s AIDSet) Equal(other AIDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Slice retourne les AIDs triés (sortie déterministe pour les logs et les tests)
func (s AIDSet) Slice() []AID {
	out := make([]AID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Candidate est un voisin admis par le moteur de découverte.
type Candidate struct {
	AID    AID
	Via    AID   // Le follower (1er degré) par lequel on l'a trouvé
	Shared []AID // Comptes suivis en commun (un seul en mode early-exit)
}
