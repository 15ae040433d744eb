package config

import (
	"errors"
	"fmt"

	"github.com/eunmann/olapcube/pkg/aggregation"
	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/chunker"
	"github.com/eunmann/olapcube/pkg/membudget"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/record"
)

// KeyDef declares one key column.
type KeyDef struct {
	Name string         `yaml:"name"`
	Type record.KeyType `yaml:"type"`
}

// FieldDef declares one measure column.
type FieldDef struct {
	Name    string             `yaml:"name"`
	Reducer record.ReducerKind `yaml:"reducer"`
}

// AggregationDef is the YAML form of an aggregation definition.
type AggregationDef struct {
	ID     string     `yaml:"id"`
	Keys   []KeyDef   `yaml:"keys"`
	Fields []FieldDef `yaml:"fields"`

	// Predicate lists declared conditions such as "site=1" or
	// "date=2024-01-01..2024-01-31". Every stored record satisfies all of them.
	Predicate []string `yaml:"predicate"`

	PartitioningKeyLength int `yaml:"partitioning_key_length"`
	// ChunkSize is the record count per chunk. Default: 100000
	ChunkSize int `yaml:"chunk_size"`
	// OptimalChunkSize is what size-fix consolidation aims for.
	// Default: ChunkSize
	OptimalChunkSize int64 `yaml:"optimal_chunk_size"`
	// MaxChunks caps one consolidation round. Default: 1000
	MaxChunks int `yaml:"max_chunks"`
	// Strategies overrides the consolidation strategy order.
	Strategies []string `yaml:"strategies"`
	// GroupMaxEntries caps distinct keys buffered during ingest.
	// Default: 1000000
	GroupMaxEntries int `yaml:"group_max_entries"`
}

// Validate fills defaults and checks that the definition builds.
func (d *AggregationDef) Validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if d.ChunkSize == 0 {
		d.ChunkSize = chunker.DefaultChunkSize
	}
	if d.OptimalChunkSize == 0 {
		d.OptimalChunkSize = int64(d.ChunkSize)
	}
	if d.OptimalChunkSize < 0 {
		return fmt.Errorf("aggregation %q: optimal_chunk_size must not be negative", d.ID)
	}
	if _, err := d.Definition(nil); err != nil {
		return err
	}
	return nil
}

// Schema builds the record schema.
func (d *AggregationDef) Schema() (record.Schema, error) {
	var s record.Schema
	for _, k := range d.Keys {
		if _, err := k.Type.Parse(zeroValue(k.Type)); err != nil {
			return record.Schema{}, fmt.Errorf("key %q: %w", k.Name, err)
		}
		s.Keys = append(s.Keys, record.KeyField{Name: k.Name, Type: k.Type})
	}
	for _, f := range d.Fields {
		field, err := record.NewField(f.Name, f.Reducer)
		if err != nil {
			return record.Schema{}, err
		}
		s.Fields = append(s.Fields, field)
	}
	if err := s.Validate(); err != nil {
		return record.Schema{}, err
	}
	return s, nil
}

// zeroValue returns a parseable literal for t, used to reject unknown types.
func zeroValue(t record.KeyType) string {
	switch t {
	case record.KeyDate:
		return "1970-01-01"
	case record.KeyBool:
		return "false"
	default:
		return "0"
	}
}

// Declared parses the declared predicate. It returns nil when none is set.
func (d *AggregationDef) Declared(schema record.Schema) (predicate.Predicate, error) {
	if len(d.Predicate) == 0 {
		return nil, nil
	}
	p, err := predicate.Parse(schema, d.Predicate)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Definition builds the aggregation definition. Ingest memory is charged to
// budget when it is non-nil.
func (d *AggregationDef) Definition(budget *membudget.Budget) (aggregation.Definition, error) {
	schema, err := d.Schema()
	if err != nil {
		return aggregation.Definition{}, fmt.Errorf("aggregation %q: %w", d.ID, err)
	}
	declared, err := d.Declared(schema)
	if err != nil {
		return aggregation.Definition{}, fmt.Errorf("aggregation %q: %w", d.ID, err)
	}

	def := aggregation.DefaultDefinition(d.ID, schema)
	def.Declared = declared
	def.PartitioningKeyLength = d.PartitioningKeyLength
	if d.ChunkSize != 0 {
		def.Chunker = def.Chunker.WithChunkSize(d.ChunkSize)
	}
	if d.OptimalChunkSize != 0 {
		def.Consolidation.OptimalChunkSize = d.OptimalChunkSize
	}
	def.Consolidation.MaxChunks = d.MaxChunks
	for _, name := range d.Strategies {
		st, err := catalog.ParseStrategy(name)
		if err != nil {
			return aggregation.Definition{}, fmt.Errorf("aggregation %q: %w", d.ID, err)
		}
		def.Consolidation.Strategies = append(def.Consolidation.Strategies, st)
	}
	if d.GroupMaxEntries != 0 {
		def.GroupReducer.MaxEntries = d.GroupMaxEntries
	}
	if budget != nil {
		def.GroupReducer = def.GroupReducer.WithBudget(budget)
	}
	if err := def.Validate(); err != nil {
		return aggregation.Definition{}, err
	}
	return def, nil
}
