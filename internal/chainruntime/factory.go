package chainruntime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"chain-registry-go/internal/models"
	"chain-registry-go/internal/runtimesync"
)

var (
	ErrBadMagic            = errors.New("metadata magic mismatch")
	ErrUnsupportedMetadata = errors.New("unsupported metadata version")
	ErrInvalidTypes        = errors.New("invalid type definitions")

	// ErrBaseTypesMissing 共享类型尚未下载；由 runtimesync 的刷新循环补上，不是链缓存缺失
	ErrBaseTypesMissing = errors.New("base types not cached")
)

const (
	// "meta" read as a little endian u32
	metadataMagic      uint32 = 0x6174656d
	MinMetadataVersion uint8  = 9
	MaxMetadataVersion uint8  = 15
)

// BaseTypesSource serves the shared type definitions.
type BaseTypesSource interface {
	GetBaseTypes() ([]byte, error)
}

// Builder turns cached schema bytes into a runtime.
type Builder interface {
	ConstructRuntime(ctx context.Context, chain models.Chain, metadataRaw, ownTypesRaw []byte, runtimeVersion int) (*ConstructedRuntime, error)
}

type Factory struct {
	base BaseTypesSource
}

func NewFactory(base BaseTypesSource) *Factory {
	return &Factory{base: base}
}

type typesDocument struct {
	RuntimeID  *int                       `json:"runtime_id"`
	Types      map[string]json.RawMessage `json:"types"`
	Versioning []versionedTypes           `json:"versioning"`
}

type versionedTypes struct {
	RuntimeRange [2]*int                    `json:"runtime_range"`
	Types        map[string]json.RawMessage `json:"types"`
}

func (v versionedTypes) covers(version int) bool {
	from, to := v.RuntimeRange[0], v.RuntimeRange[1]
	if from != nil && version < *from {
		return false
	}
	if to != nil && version > *to {
		return false
	}
	return true
}

// ConstructRuntime validates the metadata header and merges base types
// (unless the chain overrides them), own types and the versioned entries
// covering runtimeVersion, later sources winning.
func (f *Factory) ConstructRuntime(ctx context.Context, chain models.Chain, metadataRaw, ownTypesRaw []byte, runtimeVersion int) (*ConstructedRuntime, error) {
	metadataVersion, err := parseMetadataHeader(metadataRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", chain.ID, err)
	}

	registry := make(TypeRegistry)
	built := &ConstructedRuntime{MetadataHash: runtimesync.Fingerprint(metadataRaw)}

	overrides := chain.Types != nil && chain.Types.OverridesCommon
	if !overrides {
		baseRaw, err := f.base.GetBaseTypes()
		if errors.Is(err, runtimesync.ErrNotInCache) {
			return nil, fmt.Errorf("%s: %w", chain.ID, ErrBaseTypesMissing)
		}
		if err != nil {
			return nil, fmt.Errorf("base types: %w", err)
		}
		if err := applyTypes(registry, baseRaw, runtimeVersion); err != nil {
			return nil, fmt.Errorf("base types: %w", err)
		}
		built.BaseTypesHash = runtimesync.Fingerprint(baseRaw)
	}

	if len(ownTypesRaw) > 0 {
		if err := applyTypes(registry, ownTypesRaw, runtimeVersion); err != nil {
			return nil, fmt.Errorf("%s own types: %w", chain.ID, err)
		}
		built.OwnTypesHash = runtimesync.Fingerprint(ownTypesRaw)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	built.Runtime = &Snapshot{
		ChainID:         chain.ID,
		RuntimeVersion:  runtimeVersion,
		MetadataVersion: metadataVersion,
		Metadata:        metadataRaw,
		Types:           registry,
	}
	return built, nil
}

func parseMetadataHeader(raw []byte) (uint8, error) {
	if len(raw) < 5 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadMagic, len(raw))
	}
	if binary.LittleEndian.Uint32(raw[:4]) != metadataMagic {
		return 0, ErrBadMagic
	}
	version := raw[4]
	if version < MinMetadataVersion || version > MaxMetadataVersion {
		return 0, fmt.Errorf("%w: v%d", ErrUnsupportedMetadata, version)
	}
	return version, nil
}

func applyTypes(registry TypeRegistry, raw []byte, runtimeVersion int) error {
	var doc typesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTypes, err)
	}
	for name, def := range doc.Types {
		registry[name] = def
	}

	// 按 runtime_range 起点升序应用，后面的覆盖前面的
	versions := make([]versionedTypes, 0, len(doc.Versioning))
	for _, v := range doc.Versioning {
		if v.covers(runtimeVersion) {
			versions = append(versions, v)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return rangeStart(versions[i]) < rangeStart(versions[j])
	})
	for _, v := range versions {
		for name, def := range v.Types {
			registry[name] = def
		}
	}
	return nil
}

func rangeStart(v versionedTypes) int {
	if v.RuntimeRange[0] == nil {
		return -1
	}
	return *v.RuntimeRange[0]
}
