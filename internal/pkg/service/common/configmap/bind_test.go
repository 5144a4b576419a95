package configmap_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/configmap"
)

type testConfig struct {
	Debug    bool          `configKey:"debug" configUsage:"Enable debug." configShorthand:"d"`
	Name     string        `configKey:"name" configUsage:"Name of the app."`
	Count    int           `configKey:"count"`
	Retries  uint64        `configKey:"retries"`
	Timeout  time.Duration `configKey:"timeout" configUsage:"Timeout."`
	Servers  []string      `configKey:"servers"`
	Nested   nestedConfig  `configKey:"nested"`
	Ignored  string        `configKey:"-"`
	NoKey    string
	internal string
}

type nestedConfig struct {
	MaxInterval time.Duration `configKey:"maxInterval"`
	HostID      string        `configKey:"hostID"`
}

func newTestConfig() testConfig {
	return testConfig{
		Name:    "default",
		Count:   1,
		Retries: 10,
		Timeout: time.Second,
		Servers: []string{"localhost:2181"},
		Nested:  nestedConfig{MaxInterval: 2 * time.Second},
	}
}

func TestGenerateFlags(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("app", pflag.ContinueOnError)
	cfg := newTestConfig()
	require.NoError(t, configmap.GenerateFlags(fs, &cfg))

	var names []string
	fs.VisitAll(func(flag *pflag.Flag) {
		names = append(names, flag.Name)
	})
	assert.Equal(t, []string{"count", "debug", "name", "nested-host-id", "nested-max-interval", "retries", "servers", "timeout"}, names)
	assert.Equal(t, "d", fs.Lookup("debug").Shorthand)
	assert.Equal(t, "Name of the app.", fs.Lookup("name").Usage)
	assert.Equal(t, "2s", fs.Lookup("nested-max-interval").DefValue)

	// Not a struct
	err := configmap.GenerateFlags(fs, "foo")
	require.Error(t, err)
	assert.Equal(t, `cannot generate flags: type "string" is not a struct or a pointer to a struct`, err.Error())
}

func TestBind_Defaults(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	require.NoError(t, configmap.Bind(configmap.BindSpec{Name: "app", LookupEnv: noEnvs}, &cfg))
	assert.Equal(t, newTestConfig(), cfg)
}

func TestBind_Priority(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
name: from file
count: 5
retries: 7
servers:
  - zk1:2181
  - zk2:2181
nested:
  maxInterval: 10s
  hostID: file-host
`), 0o600))

	envs := map[string]string{
		"MY_APP_COUNT":          "6",
		"MY_APP_NESTED_HOST_ID": "env-host",
		"MY_APP_NAME":           "from env",
	}
	lookupEnv := func(key string) (string, bool) {
		v, ok := envs[key]
		return v, ok
	}

	cfg := newTestConfig()
	err := configmap.Bind(configmap.BindSpec{
		Name:      "app",
		Args:      []string{"--config-file", configFile, "--name", "from flag", "-d", "--timeout", "3s"},
		EnvPrefix: "MY_APP_",
		LookupEnv: lookupEnv,
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, testConfig{
		Debug:   true,                             // flag
		Name:    "from flag",                      // flag over ENV and file
		Count:   6,                                // ENV over file
		Retries: 7,                                // file
		Timeout: 3 * time.Second,                  // flag
		Servers: []string{"zk1:2181", "zk2:2181"}, // file
		Nested: nestedConfig{
			MaxInterval: 10 * time.Second, // file
			HostID:      "env-host",       // ENV over file
		},
	}, cfg)
}

func TestBind_SliceFromEnv(t *testing.T) {
	t.Parallel()

	lookupEnv := func(key string) (string, bool) {
		if key == "SERVERS" {
			return "zk1:2181,zk2:2181", true
		}
		return "", false
	}

	cfg := newTestConfig()
	require.NoError(t, configmap.Bind(configmap.BindSpec{Name: "app", LookupEnv: lookupEnv}, &cfg))
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Servers)
}

func TestBind_Errors(t *testing.T) {
	t.Parallel()

	// Not a pointer
	err := configmap.Bind(configmap.BindSpec{Name: "app"}, newTestConfig())
	require.Error(t, err)
	assert.Equal(t, `cannot bind to type "configmap_test.testConfig": it is not a pointer to a struct`, err.Error())

	// Unknown flag
	cfg := newTestConfig()
	err = configmap.Bind(configmap.BindSpec{Name: "app", Args: []string{"--foo"}, LookupEnv: noEnvs}, &cfg)
	require.Error(t, err)
	assert.Equal(t, "unknown flag: --foo", err.Error())

	// Invalid ENV
	err = configmap.Bind(configmap.BindSpec{Name: "app", LookupEnv: func(key string) (string, bool) {
		return "abc", key == "COUNT"
	}}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid value of ENV "COUNT"`)

	// Missing config file
	err = configmap.Bind(configmap.BindSpec{Name: "app", Args: []string{"--config-file", "/missing.yaml"}, LookupEnv: noEnvs}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot read config file "/missing.yaml"`)
}

func TestBind_Help(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	err := configmap.Bind(configmap.BindSpec{Name: "app", Args: []string{"--help"}, EnvPrefix: "MY_APP_", LookupEnv: noEnvs}, &cfg)
	var helpErr configmap.HelpError
	require.ErrorAs(t, err, &helpErr)
	assert.Contains(t, helpErr.Help, `Usage of "app":`)
	assert.Contains(t, helpErr.Help, "--nested-max-interval duration")
	assert.Contains(t, helpErr.Help, `the flag "--foo-bar" becomes the "MY_APP_FOO_BAR" ENV`)
}

func noEnvs(string) (string, bool) {
	return "", false
}
