// Package memrepo provides in-memory reference implementations of every
// repository contract. They are the single-node default and the backbone
// of the test suite. All methods copy on write and on read so callers can
// never mutate stored state through returned pointers.
package memrepo

import (
	"encoding/json"
	"math"
	"sync"
)

// Store owns the shared state behind the per-interface repositories.
type Store struct {
	mu sync.RWMutex

	rules      map[string]map[string][]byte // tenant key → rule id → json
	scenarios  map[string]map[string][]byte // tenant key → scenario id:version → json
	liveSc     map[string]map[string]int    // tenant key → scenario id → live version
	templates  map[string][][]byte          // tenant key → insertion-ordered json
	glossary   map[string][][]byte
	fieldDefs  map[string][][]byte
	plans      map[string]map[string][]byte // tenant key → scenarioID:fromVersion → json

	sessions map[string]map[string][]byte // tenant key → session id → json

	profiles map[string]map[string][]byte // tenant key → profile id → json

	episodes      map[string][][]byte          // group id → ordered json
	entities      map[string]map[string][]byte // group id → entity id → json
	relationships map[string][][]byte          // group id → ordered json

	turnRecords map[string][][]byte // tenant key → ordered json
	auditEvents map[string][][]byte

	// Embeddings are hidden from JSON (json:"-") and carried here,
	// keyed alongside the serialized entity.
	ruleEmb map[string][]float32 // tenant key + "/" + rule id
	epEmb   map[string][]float32 // group id + "/" + episode id
	entEmb  map[string][]float32 // group id + "/" + entity id
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rules:         map[string]map[string][]byte{},
		scenarios:     map[string]map[string][]byte{},
		liveSc:        map[string]map[string]int{},
		templates:     map[string][][]byte{},
		glossary:      map[string][][]byte{},
		fieldDefs:     map[string][][]byte{},
		plans:         map[string]map[string][]byte{},
		sessions:      map[string]map[string][]byte{},
		profiles:      map[string]map[string][]byte{},
		episodes:      map[string][][]byte{},
		entities:      map[string]map[string][]byte{},
		relationships: map[string][][]byte{},
		turnRecords:   map[string][][]byte{},
		auditEvents:   map[string][][]byte{},
		ruleEmb:       map[string][]float32{},
		epEmb:         map[string][]float32{},
		entEmb:        map[string][]float32{},
	}
}

func tenantKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// marshal and unmarshal implement the copy-on-write / copy-on-read
// discipline. Domain structs are plain data, so JSON round-trips preserve
// them, and embeddings are carried separately where json:"-" hides them.
func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("memrepo: marshal: " + err.Error())
	}
	return b
}

func unmarshal[T any](b []byte) *T {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		panic("memrepo: unmarshal: " + err.Error())
	}
	return &v
}

// cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
