package shardquery

import "testing"

func schemaOf(cols ...ColumnDescriptor) SchemaTable {
	return SchemaTable(cols)
}

func TestSchemaValidatorEstablishesGroundTruth(t *testing.T) {
	v := newSchemaValidator()
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	lr := newFailureLabeledReader(shard, nil)

	schema := schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4"})
	if err := v.Validate(lr, schema); err != nil {
		t.Fatalf("first Validate() call should establish ground truth without error: %v", err)
	}
	if len(v.GroundTruth()) != 1 {
		t.Errorf("GroundTruth() len = %d, want 1", len(v.GroundTruth()))
	}
}

func TestSchemaValidatorAcceptsMatchingSchema(t *testing.T) {
	v := newSchemaValidator()
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	schema := schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4", MaxLength: -1})
	if err := v.Validate(newFailureLabeledReader(a, nil), schema); err != nil {
		t.Fatalf("unexpected error on ground truth: %v", err)
	}
	if err := v.Validate(newFailureLabeledReader(b, nil), schema); err != nil {
		t.Errorf("unexpected error on matching schema: %v", err)
	}
}

func TestSchemaValidatorRejectsColumnCountMismatch(t *testing.T) {
	v := newSchemaValidator()
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	v.Validate(newFailureLabeledReader(a, nil), schemaOf(ColumnDescriptor{Name: "id"}))
	err := v.Validate(newFailureLabeledReader(b, nil), schemaOf(ColumnDescriptor{Name: "id"}, ColumnDescriptor{Name: "name"}))

	if !IsKind(err, KindSchemaMismatch) {
		t.Errorf("expected KindSchemaMismatch, got %v", err)
	}
}

func TestSchemaValidatorRejectsTypeMismatch(t *testing.T) {
	v := newSchemaValidator()
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	v.Validate(newFailureLabeledReader(a, nil), schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4"}))
	err := v.Validate(newFailureLabeledReader(b, nil), schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "text"}))

	if !IsKind(err, KindSchemaMismatch) {
		t.Errorf("expected KindSchemaMismatch, got %v", err)
	}
}

func TestSchemaValidatorRejectsMixedNullSchema(t *testing.T) {
	v := newSchemaValidator()
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	v.Validate(newFailureLabeledReader(a, nil), nil)
	err := v.Validate(newFailureLabeledReader(b, nil), schemaOf(ColumnDescriptor{Name: "id"}))

	if !IsKind(err, KindInternal) {
		t.Errorf("expected KindInternal for mixed null/non-null schemas, got %v", err)
	}
}
