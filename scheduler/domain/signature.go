package domain

import (
	"sort"
	"strconv"
	"strings"
)

// ModalityWeight is one active modality and its quantized weight.
type ModalityWeight struct {
	Modality string
	Bucket   int64
}

// ControlSignature is the sorted set of a job's active modalities, used as a grouping key.
// Build one with planner.SignatureOf or NewControlSignature; the zero value is the empty signature.
type ControlSignature []ModalityWeight

// NewControlSignature sorts pairs by modality. Duplicate modalities keep the largest bucket.
func NewControlSignature(pairs ...ModalityWeight) ControlSignature {
	byModality := make(map[string]int64, len(pairs))
	for _, p := range pairs {
		if b, ok := byModality[p.Modality]; !ok || p.Bucket > b {
			byModality[p.Modality] = p.Bucket
		}
	}
	sig := make(ControlSignature, 0, len(byModality))
	for m, b := range byModality {
		sig = append(sig, ModalityWeight{Modality: m, Bucket: b})
	}
	sort.Slice(sig, func(i, j int) bool { return sig[i].Modality < sig[j].Modality })
	return sig
}

// Len is the number of active modalities.
func (s ControlSignature) Len() int {
	return len(s)
}

// Key is a stable string usable as a map key; equal signatures have equal keys.
func (s ControlSignature) Key() string {
	parts := make([]string, len(s))
	for i, p := range s {
		parts[i] = p.Modality + "=" + strconv.FormatInt(p.Bucket, 10)
	}
	return strings.Join(parts, ",")
}

func (s ControlSignature) String() string {
	if len(s) == 0 {
		return "{}"
	}
	return "{" + s.Key() + "}"
}

func (s ControlSignature) Equal(o ControlSignature) bool {
	return s.Key() == o.Key()
}

// Modalities returns the active modality names, sorted.
func (s ControlSignature) Modalities() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Modality
	}
	return out
}

// Has reports whether modality m is active.
func (s ControlSignature) Has(m string) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].Modality >= m })
	return i < len(s) && s[i].Modality == m
}

// IsSubsetOf compares active modality sets only; weights are ignored.
func (s ControlSignature) IsSubsetOf(o ControlSignature) bool {
	for _, p := range s {
		if !o.Has(p.Modality) {
			return false
		}
	}
	return true
}

// Union is the master signature covering s and o.
func (s ControlSignature) Union(o ControlSignature) ControlSignature {
	pairs := make([]ModalityWeight, 0, len(s)+len(o))
	pairs = append(pairs, s...)
	pairs = append(pairs, o...)
	return NewControlSignature(pairs...)
}
