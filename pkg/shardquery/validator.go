package shardquery

import "fmt"

// schemaValidator establishes ground truth from the first labeled
// reader it validates, and checks every subsequent reader against it
// per spec §4.6. If that first schema table is null, every later
// reader must also have a null schema.
type schemaValidator struct {
	groundTruth   SchemaTable
	haveGround    bool
	nullSchema    bool // true if the ground-truth case is "every reader has a null schema"
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{}
}

// Validate checks lr's schema against ground truth, establishing
// ground truth on the first call. Returns a schema-mismatch *Error
// scoped to lr's shard on divergence, or an internal-invariant error if
// a null schema is mixed with a non-null one.
func (v *schemaValidator) Validate(lr *LabeledReader, schema SchemaTable) error {
	if !v.haveGround {
		v.haveGround = true
		v.groundTruth = schema
		v.nullSchema = schema == nil
		return nil
	}

	if v.nullSchema {
		if schema != nil {
			return newError(KindInternal, &lr.Shard, "mixed null and non-null schema across shards", nil)
		}
		return nil
	}
	if schema == nil {
		return newError(KindInternal, &lr.Shard, "mixed null and non-null schema across shards", nil)
	}

	if len(schema) != len(v.groundTruth) {
		return newError(KindSchemaMismatch, &lr.Shard, fmt.Sprintf("column count mismatch: expected %d, got %d", len(v.groundTruth), len(schema)), nil)
	}

	for i := range v.groundTruth {
		want, got := v.groundTruth[i], schema[i]
		if want.Name != got.Name {
			return newError(KindSchemaMismatch, &lr.Shard, fmt.Sprintf("column %d name mismatch: expected %q, got %q", i, want.Name, got.Name), nil)
		}
		if want.DeclaredType != got.DeclaredType {
			return newError(KindSchemaMismatch, &lr.Shard, fmt.Sprintf("column %q declared type mismatch: expected %q, got %q", want.Name, want.DeclaredType, got.DeclaredType), nil)
		}
		if want.AllowNull != got.AllowNull {
			return newError(KindSchemaMismatch, &lr.Shard, fmt.Sprintf("column %q nullability mismatch", want.Name), nil)
		}
		if want.MaxLength != got.MaxLength {
			return newError(KindSchemaMismatch, &lr.Shard, fmt.Sprintf("column %q max length mismatch: expected %d, got %d", want.Name, want.MaxLength, got.MaxLength), nil)
		}
	}

	return nil
}

// GroundTruth returns the frozen schema template, or nil if the
// null-schema case applies.
func (v *schemaValidator) GroundTruth() SchemaTable {
	return v.groundTruth
}
