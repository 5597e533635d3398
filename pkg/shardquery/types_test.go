package shardquery

import "testing"

func TestShardEndpointString(t *testing.T) {
	tests := []struct {
		name string
		ep   ShardEndpoint
		want string
	}{
		{"no port", ShardEndpoint{DataSource: "host1", Database: "db1"}, "host1/db1"},
		{"with port", ShardEndpoint{DataSource: "host1", Database: "db1", Port: 5432}, "host1/db1:5432"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShardEndpointProtocolDefault(t *testing.T) {
	ep := ShardEndpoint{}
	if got := ep.protocol(); got != "postgres" {
		t.Errorf("protocol() = %q, want postgres", got)
	}
	ep.Protocol = "mysql"
	if got := ep.protocol(); got != "mysql" {
		t.Errorf("protocol() = %q, want mysql", got)
	}
}

func TestCommandTemplateValidate(t *testing.T) {
	tmpl := &CommandTemplate{Parameters: []Parameter{{Name: "id", Direction: ParamInput}}}
	if err := tmpl.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	tmpl2 := &CommandTemplate{Parameters: []Parameter{{Name: "out", Direction: ParamOutput}}}
	if err := tmpl2.Validate(); err == nil {
		t.Error("Validate() expected error for output parameter, got nil")
	}
}

func TestCommandTemplateCloneIsIndependent(t *testing.T) {
	tmpl := &CommandTemplate{SQLText: "SELECT 1", Parameters: []Parameter{{Name: "id", Value: 1}}}
	clone := tmpl.Clone()

	clone.Parameters[0].Value = 2
	if tmpl.Parameters[0].Value != 1 {
		t.Errorf("mutating clone's parameters affected the original: %v", tmpl.Parameters[0].Value)
	}
}

func TestLabeledReaderCloseIsIdempotent(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h", Database: "d"}
	reader := newFakeRowReader(SchemaTable{{Name: "id"}}, nil)
	cmd := &fakeCloneCommand{}
	conn := &fakeConnection{}
	lr := newSuccessLabeledReader(shard, reader, cmd, conn)

	lr.Close()
	lr.Close()

	if !reader.closed {
		t.Error("expected underlying reader to be closed")
	}
	if !cmd.closed {
		t.Error("expected underlying command to be closed")
	}
	if !conn.closed {
		t.Error("expected underlying connection to be closed")
	}
}

func TestLabeledReaderIsFailure(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h", Database: "d"}
	failure := newFailureLabeledReader(shard, ErrEmptyShardList)
	if !failure.IsFailure() {
		t.Error("expected IsFailure() true for failure-case reader")
	}

	success := newSuccessLabeledReader(shard, newFakeRowReader(nil, nil), nil, nil)
	if success.IsFailure() {
		t.Error("expected IsFailure() false for success-case reader")
	}
}
