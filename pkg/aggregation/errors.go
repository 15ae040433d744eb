package aggregation

import (
	"errors"

	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/predicate"
)

// Errors surfaced by aggregation operations. Callers match them with
// errors.Is; most are defined by the package that detects them.
var (
	// ErrSchemaMismatch indicates a query or record references an
	// undeclared key or field.
	ErrSchemaMismatch = predicate.ErrSchemaMismatch
	// ErrInvariantViolation indicates the catalog and the metadata store
	// disagree about the live chunk set.
	ErrInvariantViolation = catalog.ErrInvariantViolation
	// ErrIO wraps every physical chunk read, write and delete failure.
	ErrIO = chunkstore.ErrIO
	// ErrConflict indicates a consolidation whose originals were already
	// superseded when it tried to commit.
	ErrConflict = metastore.ErrConflict
	// ErrConsolidationInProgress is returned when another consolidation of
	// the same aggregation is running.
	ErrConsolidationInProgress = errors.New("consolidation in progress")
)
