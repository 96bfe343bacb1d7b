package domain

import (
	"sort"
	"time"
)

// KeyPrefix namespaces all persisted keys.
const KeyPrefix = "aicore:"

// Snapshot is an immutable pipeline artifact keyed by fingerprint. Once
// written, a snapshot is never mutated: a changed input always yields a
// new fingerprint and a new snapshot.
type Snapshot struct {
	Fingerprint   Fingerprint    `json:"fingerprint"`
	Pipeline      string         `json:"pipeline"`
	ModelVersion  string         `json:"model_version"`
	PromptVersion string         `json:"prompt_version"`
	Payload       map[string]any `json:"payload"`
	Evidence      []Evidence     `json:"retrieval_evidence"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Evidence is a scored, sourced snippet supporting a generated artifact.
type Evidence struct {
	SourceKind string  `json:"source"`
	SourceID   string  `json:"id"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// SortEvidence orders evidence by descending score with a stable
// lexicographic tie-break on source id, keeping retrieval deterministic
// for identical inputs and index states.
func SortEvidence(items []Evidence) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].SourceID < items[j].SourceID
	})
}

// Stage names one step of the pipeline state machine.
type Stage string

// Pipeline stages in execution order.
const (
	StageInit       Stage = "init"
	StageCacheCheck Stage = "cache_check"
	StageRetrieving Stage = "retrieving"
	StageJudging    Stage = "judging"
	StageComposing  Stage = "composing"
	StageValidating Stage = "validating"
	StagePersisting Stage = "persisting"
)
