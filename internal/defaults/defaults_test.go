package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/asgard/internal/config"
)

func TestConfigYAMLMatchesDefaults(t *testing.T) {
	t.Setenv("ASGARD_WIFI_PASSPHRASE", "teste@#2571")

	path := filepath.Join(t.TempDir(), "asgard.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}

	def := config.Default()
	if cfg.Station != def.Station {
		t.Errorf("station = %+v, want %+v", cfg.Station, def.Station)
	}
	if cfg.Broker != def.Broker || cfg.Publish != def.Publish || cfg.Monitor != def.Monitor {
		t.Errorf("example config drifted from defaults:\n got %+v %+v %+v\nwant %+v %+v %+v",
			cfg.Broker, cfg.Publish, cfg.Monitor, def.Broker, def.Publish, def.Monitor)
	}
	if cfg.LogFile != def.LogFile || cfg.DataDir != def.DataDir {
		t.Errorf("log_file/data_dir drifted: %+v %q", cfg.LogFile, cfg.DataDir)
	}
}
