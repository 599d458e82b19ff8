package chainruntime

import (
	"encoding/json"
	"sort"
)

// TypeRegistry maps a type name to its json definition.
type TypeRegistry map[string]json.RawMessage

// Snapshot is the decoded schema of one chain at one runtime version. It is
// never mutated after publication.
type Snapshot struct {
	ChainID         string
	RuntimeVersion  int
	MetadataVersion uint8
	Metadata        []byte
	Types           TypeRegistry
}

// TypeDef looks up a type definition by name.
func (s *Snapshot) TypeDef(name string) (json.RawMessage, bool) {
	def, ok := s.Types[name]
	return def, ok
}

// TypeNames lists the registered type names in sorted order.
func (s *Snapshot) TypeNames() []string {
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConstructedRuntime is a snapshot tagged with the fingerprints of the bytes
// it was built from.
type ConstructedRuntime struct {
	Runtime       *Snapshot
	MetadataHash  string
	OwnTypesHash  string
	BaseTypesHash string
}
