package registry_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/registry"
	"github.com/anansitrading/cxdb/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	log := zerolog.New(io.Discard)
	blobs, err := store.OpenBlobStore(t.TempDir(), 3, 10*1024*1024, log)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	return registry.NewRegistry(blobs, log)
}

const logEntryBundle = `{
  "bundle_id": "com.example",
  "enums": {"log_level": ["DEBUG", "INFO", "WARN", "ERROR"]},
  "descriptors": [
    {
      "type_id": "com.example.LogEntry",
      "type_version": 1,
      "fields": [
        {"tag": 1, "name": "timestamp", "type": "unix_ms"},
        {"tag": 2, "name": "level", "type": "enum_ref", "enum_ref": "log_level"},
        {"tag": 3, "name": "message", "type": "string"},
        {"tag": 4, "name": "tags", "type": "map", "key_type": "string", "value_type": "string"}
      ]
    }
  ]
}`

// S5. Typed projection.
func TestTypedProjection(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.PublishBundle("com.example", []byte(logEntryBundle))
	require.NoError(t, err)

	descriptor, kind := r.Resolve("com.example.LogEntry", 1)
	require.Equal(t, registry.ResolvedExact, kind)
	require.NotNil(t, descriptor)

	payload, err := msgpack.Marshal(map[int]interface{}{
		1: int64(1706615000000),
		2: int64(1),
		3: "started",
		4: map[string]interface{}{"env": "prod"},
	})
	require.NoError(t, err)

	projected, err := r.Project(descriptor, payload)
	require.NoError(t, err)
	require.Equal(t, "INFO", projected["level"])
	require.Equal(t, "started", projected["message"])
	require.Equal(t, map[string]interface{}{"env": "prod"}, projected["tags"])
	require.Equal(t, "2024-01-30T11:43:20Z", projected["timestamp"])
}

func TestPublishBundleRejectsRetypedTag(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.PublishBundle("com.example", []byte(logEntryBundle))
	require.NoError(t, err)

	conflicting := `{
      "bundle_id": "com.example.v2",
      "descriptors": [
        {
          "type_id": "com.example.LogEntry",
          "type_version": 2,
          "fields": [
            {"tag": 1, "name": "timestamp", "type": "string"}
          ]
        }
      ]
    }`

	_, err = r.PublishBundle("com.example.v2", []byte(conflicting))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeInvalidDescriptor, apiErr.Code)
}

func TestPublishBundleRejectsDuplicateTypeVersionWithinBundle(t *testing.T) {
	r := newTestRegistry(t)

	dup := `{
      "bundle_id": "com.example.dup",
      "descriptors": [
        {
          "type_id": "com.example.LogEntry",
          "type_version": 1,
          "fields": [{"tag": 1, "name": "a", "type": "string"}]
        },
        {
          "type_id": "com.example.LogEntry",
          "type_version": 1,
          "fields": [{"tag": 1, "name": "b", "type": "string"}]
        }
      ]
    }`

	_, err := r.PublishBundle("com.example.dup", []byte(dup))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeInvalidDescriptor, apiErr.Code)
}

func TestResolveInherited(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.PublishBundle("com.example", []byte(logEntryBundle))
	require.NoError(t, err)

	d, kind := r.Resolve("com.example.LogEntry", 5)
	require.Equal(t, registry.ResolvedInherited, kind)
	require.EqualValues(t, 1, d.Version)

	_, kind = r.Resolve("com.example.Unknown", 1)
	require.Equal(t, registry.ResolvedUnresolved, kind)
}
