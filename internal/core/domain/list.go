package domain

import "time"

// EntryKey identifie une entrée de liste (record key), distincte de l'AID membre.
type EntryKey string

type ListDescriptor struct {
	URI  string
	Name string
}

// ListEntry est une ligne de la liste distante.
type ListEntry struct {
	Key     EntryKey
	Subject AID
}

// ListSnapshot associe chaque membre à sa clé d'entrée.
// Lu une seule fois par passe de réconciliation.
type ListSnapshot map[AID]EntryKey

// NewListSnapshot construit le snapshot. En cas de doublons distants,
// la première entrée gagne.
func NewListSnapshot(entries []ListEntry) ListSnapshot {
	snap := make(ListSnapshot, len(entries))
	for _, e := range entries {
		if _, ok := snap[e.Subject]; ok {
			continue
		}
		snap[e.Subject] = e.Key
	}
	return snap
}

func (s ListSnapshot) Members() AIDSet {
	out := make(AIDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// ReconcilePlan : ToAdd = target − current, ToRemove = current − target.
type ReconcilePlan struct {
	ToAdd    AIDSet
	ToRemove map[AID]EntryKey
}

func NewReconcilePlan(target AIDSet, current ListSnapshot) ReconcilePlan {
	plan := ReconcilePlan{
		ToAdd:    target.Difference(current.Members()),
		ToRemove: make(map[AID]EntryKey),
	}
	for id, key := range current {
		if !target.Has(id) {
			plan.ToRemove[id] = key
		}
	}
	return plan
}

func (p ReconcilePlan) RemoveSet() AIDSet {
	out := make(AIDSet, len(p.ToRemove))
	for id := range p.ToRemove {
		out[id] = struct{}{}
	}
	return out
}

func (p ReconcilePlan) IsEmpty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0
}

// ItemFailure décrit une opération add/remove qui a échoué (skip-and-continue).
type ItemFailure struct {
	AID AID
	Op  string // "add" | "remove"
	Err error
}

type ReconcileResult struct {
	ListURI  string
	Added    AIDSet
	Removed  AIDSet
	Failures []ItemFailure
}

// SyncReport résume un run complet (découverte + réconciliation).
type SyncReport struct {
	RunID      string
	ListName   string
	ListURI    string
	Candidates int
	Added      int
	Removed    int
	Failed     int
	DryRun     bool
	StartedAt  time.Time
	Duration   time.Duration
}
