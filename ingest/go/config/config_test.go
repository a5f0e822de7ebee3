package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConeSearchRadiusRadians(t *testing.T) {
	rad, err := coneSearchRadiusRadians(1.0, UnitDeg)
	require.NoError(t, err)
	require.InDelta(t, math.Pi/180.0, rad, 1e-12)

	rad, err = coneSearchRadiusRadians(3600.0, UnitArcsec)
	require.NoError(t, err)
	require.InDelta(t, math.Pi/180.0, rad, 1e-9)

	rad, err = coneSearchRadiusRadians(60.0, UnitArcmin)
	require.NoError(t, err)
	require.InDelta(t, math.Pi/180.0, rad, 1e-9)

	_, err = coneSearchRadiusRadians(1.0, ConeSearchUnit("furlongs"))
	require.Error(t, err)
}

func TestLoad_ResolvesRadiusAndEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
database:
  host: localhost
  port: 27017
  db: alerts
  username: ${TEST_DB_USER}
  password: secret
xmatch:
  cone_search_radius: 2.0
  cone_search_unit: arcsec
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	require.NoError(t, os.Setenv("TEST_DB_USER", "ingest"))
	defer os.Unsetenv("TEST_DB_USER")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ingest", cfg.Database.Username)
	require.InDelta(t, 2.0/3600.0*math.Pi/180.0, cfg.XMatch.ConeSearchRadiusRad, 1e-12)
}

func TestLoad_UnknownUnitIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
xmatch:
  cone_search_radius: 1.0
  cone_search_unit: furlongs
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
