// Package config loads the YAML configuration recognized by the ingestion
// pipeline: a single YAML tree with environment substitution for secrets,
// rather than flags for anything but the CLI's own obsdate/noio/test
// switches.
package config

import (
	"fmt"
	"os"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"
)

type ConeSearchUnit string

const (
	UnitDeg    ConeSearchUnit = "deg"
	UnitRad    ConeSearchUnit = "rad"
	UnitArcsec ConeSearchUnit = "arcsec"
	UnitArcmin ConeSearchUnit = "arcmin"
)

type DatabaseConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	DB                 string `yaml:"db"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	CollectionAlerts    string `yaml:"collection_alerts"`
	CollectionAlertsAux string `yaml:"collection_alerts_aux"`
	CollectionFilters   string `yaml:"collection_filters"`
}

type IndexSpec struct {
	Name string     `yaml:"name"`
	Keys [][2]string `yaml:"keys"`
}

type MLModelConfig struct {
	Version  string `yaml:"version"`
	PathTmpl string `yaml:"path"`
}

type CatalogConfig struct {
	Filter     map[string]interface{} `yaml:"filter"`
	Projection map[string]interface{} `yaml:"projection"`
}

type XMatchConfig struct {
	ConeSearchRadius float64                  `yaml:"cone_search_radius"`
	ConeSearchUnit   ConeSearchUnit           `yaml:"cone_search_unit"`
	Catalogs         map[string]CatalogConfig `yaml:"catalogs"`

	// ConeSearchRadiusRad is derived once at Load time (DESIGN NOTES:
	// "Global state"); every xmatch call uses this, never the raw
	// configured value+unit pair.
	ConeSearchRadiusRad float64 `yaml:"-"`
}

type KafkaConfig struct {
	BootstrapServers     string `yaml:"bootstrap.servers"`
	BootstrapTestServers string `yaml:"bootstrap.test.servers"`
	Group                string `yaml:"group"`
	AutoOffsetReset      string `yaml:"default.topic.config.auto.offset.reset"`
}

type SkyPortalConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Token    string `yaml:"token"`
}

type PathConfig struct {
	PathAlerts   string `yaml:"path_alerts"`
	PathTess     string `yaml:"path_tess"`
	PathKafka    string `yaml:"path_kafka"`
	PathMLModels string `yaml:"path_ml_models"`
}

type MiscConfig struct {
	PostToSkyPortal       bool `yaml:"post_to_skyportal"`
	PostOnlyFilterMatches bool `yaml:"post_only_filter_matches"`
}

type Config struct {
	Database  DatabaseConfig            `yaml:"database"`
	Indexes   map[string][]IndexSpec    `yaml:"indexes"`
	MLModels  map[string]MLModelConfig  `yaml:"ml_models"`
	XMatch    XMatchConfig              `yaml:"xmatch"`
	Kafka     KafkaConfig               `yaml:"kafka"`
	Filters   map[string]string         `yaml:"filters"`
	Misc      MiscConfig                `yaml:"misc"`
	SkyPortal SkyPortalConfig           `yaml:"skyportal"`
	Path      PathConfig                `yaml:"path"`
}

// Load reads, env-substitutes, and parses a YAML config file, then resolves
// the cone-search radius to radians. An unrecognized cone_search_unit is
// fatal at startup.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	expanded, err := envsubst.Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding env vars in config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(expanded, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	rad, err := coneSearchRadiusRadians(c.XMatch.ConeSearchRadius, c.XMatch.ConeSearchUnit)
	if err != nil {
		return nil, err
	}
	c.XMatch.ConeSearchRadiusRad = rad
	return &c, nil
}

func coneSearchRadiusRadians(value float64, unit ConeSearchUnit) (float64, error) {
	const degToRad = 3.14159265358979323846 / 180.0
	switch unit {
	case UnitRad:
		return value, nil
	case UnitDeg:
		return value * degToRad, nil
	case UnitArcmin:
		return value / 60.0 * degToRad, nil
	case UnitArcsec:
		return value / 3600.0 * degToRad, nil
	default:
		return 0, fmt.Errorf("unknown cone_search_unit %q", unit)
	}
}
