package configmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldToFlagName(t *testing.T) {
	t.Parallel()

	cases := []struct{ FieldName, ExpectedFlagName string }{
		{FieldName: "", ExpectedFlagName: ""},
		{FieldName: "  ", ExpectedFlagName: ""},
		{FieldName: "foo", ExpectedFlagName: "foo"},
		{FieldName: "Foo", ExpectedFlagName: "foo"},
		{FieldName: "foo-bar", ExpectedFlagName: "foo-bar"},
		{FieldName: "fooBar", ExpectedFlagName: "foo-bar"},
		{FieldName: "hostID", ExpectedFlagName: "host-id"},
		{FieldName: "etcd.sessionTTL", ExpectedFlagName: "etcd-session-ttl"},
		{FieldName: "registry.maxRetries", ExpectedFlagName: "registry-max-retries"},
		{FieldName: "---Foo---Bar---", ExpectedFlagName: "foo-bar"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ExpectedFlagName, fieldToFlagName(tc.FieldName), tc.FieldName)
	}
}

func TestFlagToEnv(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "MY_APP_REGISTRY_MAX_RETRIES", flagToEnv("MY_APP_", "registry-max-retries"))
	assert.Equal(t, "HOST_ID", flagToEnv("", "host-id"))
}
