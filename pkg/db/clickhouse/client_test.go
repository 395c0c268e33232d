package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractReplicas(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want []string
	}{
		{name: "single", dsn: "clickhouse://localhost:9000", want: []string{"localhost:9000"}},
		{name: "credentials and db", dsn: "clickhouse://u:p@ch1:9000/ches?dial_timeout=1s", want: []string{"ch1:9000"}},
		{name: "replicas", dsn: "tcp://u:p@ch1:9000, ch2:9000/db", want: []string{"ch1:9000", "ch2:9000"}},
		{name: "empty", dsn: "clickhouse://", want: []string{"localhost:9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractReplicas(tt.dsn))
		})
	}
}

func TestExtractCredentials(t *testing.T) {
	tests := []struct {
		dsn        string
		user, pass string
	}{
		{dsn: "clickhouse://localhost:9000", user: "default", pass: ""},
		{dsn: "clickhouse://reader@localhost:9000", user: "reader", pass: ""},
		{dsn: "clickhouse://writer:s3cr:et@localhost:9000", user: "writer", pass: "s3cr:et"},
	}
	for _, tt := range tests {
		user, pass := extractCredentials(tt.dsn)
		assert.Equal(t, tt.user, user, tt.dsn)
		assert.Equal(t, tt.pass, pass, tt.dsn)
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "ches_tracker_v1", SanitizeName("CHES-tracker.v1"))
}

func TestTable(t *testing.T) {
	c := &Client{Database: "ches_tracker"}
	assert.Equal(t, `"ches_tracker"."bracket_snapshots"`, c.Table("bracket_snapshots"))
}
