package daqcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.RPCPort)
	require.Equal(t, ":9091", cfg.StreamAddr)
	require.Equal(t, uint64(65536), cfg.RingCapacityRecords)
	require.Equal(t, 5502, cfg.Publish.DocumentsPort)
}

func TestLoadReadsExplicitConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc_port: 7000
acquisition_dir: /data/acq
devices:
  - id: axis1
    name: Sample X
    driver_type: linear_stage
    params:
      min: 0
      max: 25
plans:
  - name: count1
    type: Count
    args:
      device_id: axis1
      n: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.RPCPort)
	require.Equal(t, "/data/acq", cfg.AcquisitionDir)
	require.Len(t, cfg.Devices, 1)
	require.Equal(t, "axis1", cfg.Devices[0].ID)
	require.Equal(t, "linear_stage", cfg.Devices[0].DriverType)
	require.Len(t, cfg.Plans, 1)
	require.Equal(t, "Count", cfg.Plans[0].Type)
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_port: 7000\n"), 0o644))

	require.NoError(t, os.Setenv("DAQ_RPC_PORT", "8123"))
	defer os.Unsetenv("DAQ_RPC_PORT")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8123, cfg.RPCPort)
}

func TestLoadDaqPortAliasOverridesRPCPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_port: 7000\n"), 0o644))

	require.NoError(t, os.Setenv("DAQ_PORT", "8200"))
	defer os.Unsetenv("DAQ_PORT")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8200, cfg.RPCPort)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "from-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_port: 7500\n"), 0o644))

	require.NoError(t, os.Setenv("DAQ_CONFIG", path))
	defer os.Unsetenv("DAQ_CONFIG")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7500, cfg.RPCPort)
}
